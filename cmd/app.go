package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/pion/rtp"

	"github.com/peercall/peercall/internal/application/config"
	"github.com/peercall/peercall/internal/application/constant"
	"github.com/peercall/peercall/internal/application/metric"
	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/identity"
	"github.com/peercall/peercall/internal/infra/adapters/postgres"
	"github.com/peercall/peercall/internal/infra/adapters/postgres/repository"
	"github.com/peercall/peercall/internal/infra/adapters/redisrelay"
	"github.com/peercall/peercall/internal/infra/adapters/wsrelay"
	"github.com/peercall/peercall/internal/media"
	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/transport"
)

// runApp starts the agent. With dialTarget set the agent places a call and
// exits when it ends; otherwise it listens for invites until interrupted.
func runApp(dialTarget string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		slog.Error("parse config", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(
		slog.New(
			slog.NewJSONHandler(
				os.Stdout,
				&slog.HandlerOptions{Level: level},
			),
		),
	)

	who, err := identity.NewTokenProvider(cfg.AuthToken, cfg.JWTSecret)
	if err != nil {
		slog.Error("resolve identity", slog.Any(constant.Error, err))
		os.Exit(1)
	}
	slog.Info("running agent", slog.String(constant.UserID, who.CurrentUserID()), slog.Bool("debug", cfg.Debug))

	dbConn, err := postgres.NewPostgres(ctx, cfg.Postgres.DSN())
	if err != nil {
		slog.Error("connect to postgres", slog.Any(constant.Error, err))
		os.Exit(1)
	}
	defer dbConn.Close()

	rl, err := newRelay(ctx, cfg)
	if err != nil {
		slog.Error("connect to relay", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	adapter := transport.NewAdapter(
		rl,
		repository.NewSignalRepo(dbConn),
		cfg.Call.PublishMaxRetries,
		cfg.Call.PublishBackoff,
	)

	engines := func() (media.Engine, error) {
		eng, err := media.NewPionEngine(cfg.ICEServers)
		if err != nil {
			return nil, err
		}

		// Headless playout sink and capture source; the keepalive source
		// stops itself once the session closes the engine.
		eng.OnRemoteRTP(func(kind string, _ *rtp.Packet) {
			metric.RemoteRTP(kind)
		})
		go media.RunKeepaliveSource(eng)

		return eng, nil
	}

	manager := call.NewManager(
		who.CurrentUserID(),
		adapter,
		rl,
		engines,
		cfg.Call.OfferRetryInterval,
		cfg.Call.NegotiationTimeout,
	)
	defer manager.Close()

	manager.OnIncoming(func(ic *call.IncomingCall) {
		slog.Info("incoming call", slog.String(constant.PeerID, ic.RemotePeer))

		if !cfg.AutoAccept {
			return
		}
		if _, err := ic.Accept(ctx); err != nil {
			slog.Error("accept call", slog.Any(constant.Error, err))
		}
	})

	if err := manager.ListenInvites(ctx); err != nil {
		slog.Error("listen invites", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	metricSrv := metric.NewServer()
	go func() {
		if err := metricSrv.Start(":" + cfg.MetricsPort); err != nil {
			slog.Error("metrics server", slog.Any(constant.Error, err))
		}
	}()

	if dialTarget != "" {
		sess, err := manager.Dial(ctx, dialTarget)
		if err != nil {
			slog.Error("dial", slog.String(constant.PeerID, dialTarget), slog.Any(constant.Error, err))
			os.Exit(1)
		}

		select {
		case <-ctx.Done():
		case <-sess.Done():
			slog.Info("call finished", slog.String(constant.State, sess.State().String()))
		}
	} else {
		<-ctx.Done()
		slog.Info("shutting down agent")
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer timeoutCancel()

	if err := metricSrv.Shutdown(timeoutCtx); err != nil {
		slog.Error("failed to gracefully shutdown metrics server", slog.Any(constant.Error, err))
	}
}

func newRelay(ctx context.Context, cfg *config.Config) (relay.Relay, error) {
	if cfg.Relay.Driver == "ws" {
		return wsrelay.Dial(ctx, cfg.Relay.WSURL)
	}
	return redisrelay.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}
