package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestAttachLocalTracks_EngineFaultIsNotAccessDenied(t *testing.T) {
	eng, err := NewPionEngine(nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	err = eng.AttachLocalTracks(context.Background())
	if err == nil {
		t.Fatalf("attach on a closed engine should fail")
	}
	if errors.Is(err, ErrAccessDenied) {
		t.Fatalf("engine fault reported as a device refusal: %v", err)
	}
}

func TestWrite_ClosedEngineReportsItEvenWhenMuted(t *testing.T) {
	eng, err := NewPionEngine(nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}

	// Unattached engine swallows writes; a capture source may start early.
	if err := eng.WriteAudio(pkt); err != nil {
		t.Fatalf("write before attach: %v", err)
	}

	eng.SetAudioEnabled(false)
	eng.SetVideoEnabled(false)
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := eng.WriteAudio(pkt); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("muted write on closed engine = %v, want ErrEngineClosed", err)
	}
	if err := eng.WriteVideo(pkt); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("muted write on closed engine = %v, want ErrEngineClosed", err)
	}
}

func TestKeepaliveSource_StopsWhenEngineCloses(t *testing.T) {
	eng, err := NewPionEngine(nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	done := make(chan struct{})
	go func() {
		RunKeepaliveSource(eng)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("keepalive source did not stop after engine close")
	}
}
