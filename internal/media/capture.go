package media

import (
	"errors"
	"math/rand"
	"time"

	"github.com/pion/rtp"
)

// opusSilence is a single opus DTX frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const (
	audioFrameInterval = 20 * time.Millisecond
	audioTimestampStep = 960 // 48 kHz clock

	videoFrameInterval = 100 * time.Millisecond
	videoTimestampStep = 9000 // 90 kHz clock
)

// RunKeepaliveSource feeds the engine's outbound tracks with silence and
// filler frames until the engine closes. It stands in for a capture device
// on headless agents: the media path stays negotiated and mute toggles keep
// their meaning, while a real deployment replaces this with an actual
// capture pipeline.
func RunKeepaliveSource(e *PionEngine) {
	audioTicker := time.NewTicker(audioFrameInterval)
	defer audioTicker.Stop()
	videoTicker := time.NewTicker(videoFrameInterval)
	defer videoTicker.Stop()

	audioSSRC, videoSSRC := rand.Uint32(), rand.Uint32()
	var audioSeq, videoSeq uint16
	var audioTS, videoTS uint32

	for {
		select {
		case <-audioTicker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    111,
					SequenceNumber: audioSeq,
					Timestamp:      audioTS,
					SSRC:           audioSSRC,
				},
				Payload: opusSilence,
			}
			if err := e.WriteAudio(pkt); errors.Is(err, ErrEngineClosed) {
				return
			}
			audioSeq++
			audioTS += audioTimestampStep

		case <-videoTicker.C:
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: videoSeq,
					Timestamp:      videoTS,
					SSRC:           videoSSRC,
				},
				Payload: []byte{0x10, 0x00},
			}
			if err := e.WriteVideo(pkt); errors.Is(err, ErrEngineClosed) {
				return
			}
			videoSeq++
			videoTS += videoTimestampStep
		}
	}
}
