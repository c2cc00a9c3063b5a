package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gatewayd/internal/adapter/gateway"
	"gatewayd/internal/adapter/ops"
	"gatewayd/internal/adapter/ratelimit"
	"gatewayd/internal/adapter/rest"
	"gatewayd/internal/adapter/store"
	"gatewayd/internal/domain"
	"gatewayd/internal/infra/config"
	"gatewayd/internal/infra/logger"
	"gatewayd/internal/infra/metrics"
	"gatewayd/internal/infra/tracer"
	"gatewayd/internal/usecase/dispatch"
	"gatewayd/internal/usecase/eventbus"
	"gatewayd/internal/usecase/presence"
	"gatewayd/internal/usecase/session"
)

func runCmd(cfgPath *string) *cobra.Command {
	var discover bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway session until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.Gateway.Token == "" {
				return errors.New("config: gateway.token is required (or GATEWAYD_TOKEN)")
			}
			return run(cmd.Context(), cfg, discover)
		},
	}
	cmd.Flags().BoolVar(&discover, "discover", false, "ask the REST API for the gateway URL and identify concurrency")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, discover bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// 1. Logger & tracer
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// 2. Metrics
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// 3. Identity store
	var idStore domain.IdentityStore
	if cfg.Store.Enabled {
		st, err := store.NewSQLiteIdentityStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("identity store: %w", err)
		}
		defer st.Close()
		idStore = st
	}

	// 4. REST executor
	restOpts := rest.OptionsFromConfig(cfg.REST, cfg.Gateway.TokenType, cfg.Gateway.Token)
	restOpts.Logger = log
	restOpts.Metrics = m
	client := rest.NewClient(restOpts)

	if discover {
		if err := discoverGateway(ctx, client, &cfg.Gateway, log); err != nil {
			return fmt.Errorf("discover gateway: %w", err)
		}
	}

	// 5. Event bus & dispatch pipeline
	bus := eventbus.New(log)
	defer bus.Close()
	unsub := bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Debug("event", "type", string(ev.Type), "seq", ev.Seq, "shard", ev.ShardID)
	})
	defer unsub()

	pipeline := dispatch.New(bus.Publish, dispatch.Options{
		ShardID:   cfg.Gateway.ShardID,
		QueueSize: cfg.Gateway.QueueSize,
		Logger:    log,
		Metrics:   m,
	})
	defer pipeline.Close()

	// 6. Session
	sessOpts, err := session.OptionsFromConfig(cfg.Gateway)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	sessOpts.Dispatcher = pipeline
	sessOpts.IdentifyGate = ratelimit.NewIdentifyGate(cfg.Gateway.MaxConcurrency, ratelimit.DefaultIdentifyInterval)
	sessOpts.Store = idStore
	sessOpts.Logger = log
	sessOpts.Metrics = m

	transportOpts := gateway.Options{
		URL:          cfg.Gateway.URL,
		Version:      cfg.Gateway.Version,
		UserAgent:    cfg.REST.UserAgent,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		Logger:       log,
		Metrics:      m,
	}
	sess := session.New(func(fn domain.MessageFunc) domain.Transport {
		return gateway.NewTransport(transportOpts, fn)
	}, sessOpts)

	// 7. Presence
	sched, err := presence.FromConfig(cfg.Presence, sess, log)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	if cfg.Presence.Initial != nil {
		if err := sched.Apply(ctx, *cfg.Presence.Initial); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
	}

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Ops endpoints
	if cfg.Metrics.Enabled {
		start := time.Now()
		srv := ops.NewServer(ops.Options{
			Addr:        cfg.Metrics.Addr,
			MetricsPath: cfg.Metrics.Path,
			Status:      statusFunc(sess, client, cfg.Gateway.ShardID, start),
			Logger:      log,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("ops server error", "error", err)
			}
		}()
	}

	// 10. Start
	if err := sess.Start(ctx, "", nil); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	sched.Start(ctx)
	log.Info("gatewayd started",
		"version", version,
		"shard", cfg.Gateway.ShardID,
		"shard_count", cfg.Gateway.ShardCount,
		"store", idStore != nil,
		"presence_rotations", len(cfg.Presence.Rotations),
	)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-sess.Done():
	}

	sched.Stop()
	if err := sess.Close(); err != nil {
		log.Warn("session close", "error", err)
	}
	return sess.Wait()
}

func statusFunc(sess *session.Session, client *rest.Client, shard int, start time.Time) ops.StatusFunc {
	return func() ops.Status {
		id := sess.Identity()
		st := ops.Status{
			Service:       "gatewayd",
			Version:       version,
			UptimeSeconds: int64(time.Since(start).Seconds()),
			Shard:         shard,
			State:         sess.State().String(),
			SessionID:     id.SessionID,
			Seq:           id.Seq,
			RESTBreaker:   client.BreakerState(),
		}
		if ack := sess.LastAck(); !ack.IsZero() {
			st.LastAck = &ack
		}
		st.Healthy = sess.State() != session.StateIdle
		return st
	}
}

// gatewayBot is the subset of GET /gateway/bot used for discovery.
type gatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

func discoverGateway(ctx context.Context, client *rest.Client, cfg *config.GatewayConfig, log *slog.Logger) error {
	resp, err := client.Get(ctx, "/gateway/bot")
	if err != nil {
		return err
	}
	var gb gatewayBot
	if err := resp.Decode(&gb); err != nil {
		return err
	}
	if gb.URL != "" {
		cfg.URL = gb.URL
	}
	if gb.SessionStartLimit.MaxConcurrency > 0 {
		cfg.MaxConcurrency = gb.SessionStartLimit.MaxConcurrency
	}
	log.Info("gateway discovered",
		"url", cfg.URL,
		"recommended_shards", gb.Shards,
		"session_starts_remaining", gb.SessionStartLimit.Remaining,
		"max_concurrency", cfg.MaxConcurrency,
	)
	return nil
}
