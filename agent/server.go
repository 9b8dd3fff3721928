// Package agent wires the action engine to its transports.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"tangled.sh/tangled.sh/agent/actions"
	"tangled.sh/tangled.sh/agent/api"
	"tangled.sh/tangled.sh/agent/config"
	"tangled.sh/tangled.sh/agent/container"
	"tangled.sh/tangled.sh/agent/metrics"
	"tangled.sh/tangled.sh/agent/queue"
	"tangled.sh/tangled.sh/agent/relay"
	"tangled.sh/tangled.sh/agent/rpc"
	"tangled.sh/tangled.sh/agent/scheduler"
	"tangled.sh/tangled.sh/log"
	"tangled.sh/tangled.sh/telemetry"
)

const shutdownTimeout = 10 * time.Second

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the agent",
		Action: Run,
		Description: `
Environment variables:
	AGENT_SERVER_HOSTNAME               (required)
	AGENT_SERVER_GRPC_LISTEN_ADDR       (default: 0.0.0.0:5000)
	AGENT_SERVER_HTTP_LISTEN_ADDR       (default: 0.0.0.0:8080)
	AGENT_SERVER_DEV                    (default: false)
	AGENT_SERVER_LOG_LEVEL              (default: debug)
	AGENT_SERVER_LOG_FORMAT             (default: text)
	AGENT_SCHEDULER_ADDR                (default: 127.0.0.1:5001)
	AGENT_SCHEDULER_HEALTH_INTERVAL     (default: 5s)
	AGENT_SCHEDULER_RETRY_DELAY         (default: 1s)
	AGENT_SCHEDULER_MAX_RETRY_DELAY     (default: 1m)
	AGENT_SCHEDULER_REGISTER_ATTEMPTS   (default: 5)
	AGENT_SCHEDULER_DISABLED            (default: false)
	AGENT_RUNTIME_BACKEND               (default: docker)
	AGENT_RUNTIME_CONTAINERD_SOCKET     (default: /run/containerd/containerd.sock)
	AGENT_RUNTIME_NAMESPACE             (default: default)
	AGENT_QUEUE_SIZE                    (default: 100)
	AGENT_QUEUE_WORKERS                 (default: 32)
	AGENT_REDIS_ADDR
	AGENT_REDIS_PASSWORD
	AGENT_REDIS_DB                      (default: 0)
	AGENT_REDIS_CHANNEL                 (default: agent:actions:state)
	AGENT_TELEMETRY_ENABLED             (default: false)
	AGENT_TELEMETRY_SERVICE_NAME        (default: agent)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := log.New("agent",
		log.WithLevel(cfg.Server.LogLevel),
		log.WithJSON(cfg.Server.LogFormat == "json"),
	)
	ctx = log.IntoContext(ctx, logger)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.NewTelemetry(ctx, cfg.Telemetry.ServiceName, cfg.Server.Dev)
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				logger.Error("failed to flush telemetry", "error", err)
			}
		}()
		logger.Info("telemetry enabled", "service", cfg.Telemetry.ServiceName, "version", tel.ServiceVersion())
	}

	rt, err := container.New(ctx, cfg.Runtime)
	if err != nil {
		return fmt.Errorf("failed to setup %s runtime: %w", cfg.Runtime.Backend, err)
	}
	defer rt.Close()

	m := metrics.New()
	svc := actions.New(rt, actions.Options{Logger: logger, Metrics: m})
	defer svc.Close()

	jq := queue.NewQueue(cfg.Queue.Size, cfg.Queue.Workers)
	jq.Start()
	defer jq.Stop()

	grpcLis, err := net.Listen("tcp", cfg.Server.GrpcListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GrpcListenAddr, err)
	}
	gs := grpc.NewServer(rpc.ServerOptions()...)
	rpc.RegisterActionServer(gs, rpc.NewLauncher(svc, jq, m, logger))

	hs := &http.Server{
		Addr:    cfg.Server.HttpListenAddr,
		Handler: api.New(svc, jq, m, tel, logger).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting grpc server", "address", cfg.Server.GrpcListenAddr)
		return gs.Serve(grpcLis)
	})

	g.Go(func() error {
		logger.Info("starting http server", "address", cfg.Server.HttpListenAddr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if !cfg.Scheduler.Disabled {
		port, err := listenPort(cfg.Server.GrpcListenAddr)
		if err != nil {
			return err
		}

		health := scheduler.NewHealthService(logger)
		sched, err := scheduler.Init(ctx, cfg.Scheduler, cfg.Server.Hostname, port, health, logger)
		if err != nil {
			return err
		}
		defer sched.Close()

		g.Go(func() error {
			if err := sched.Run(gctx); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		})
	} else {
		logger.Warn("scheduler disabled, actions only arrive over http and grpc")
	}

	if cfg.Redis.Addr != "" {
		r := relay.New(cfg.Redis, logger)
		defer r.Close()
		if err := r.Ping(ctx); err != nil {
			return err
		}

		sub := svc.StateStream()
		g.Go(func() error {
			defer sub.Close()
			return r.Run(gctx, sub)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		// running executions end Failed and their containers go away;
		// queued ones abort as soon as a worker picks them up, which lets
		// the job queue drain and ExecutionAction streams finish
		if err := svc.Shutdown(sctx); err != nil {
			logger.Error("failed to clean up actions", "error", err)
		}

		// ends websocket subscriptions, which http.Server.Shutdown does
		// not track once hijacked
		svc.Close()

		err := hs.Shutdown(sctx)

		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-sctx.Done():
			logger.Warn("grpc streams still open, closing them")
			gs.Stop()
		}
		return err
	})

	return g.Wait()
}

func listenPort(addr string) (uint32, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid grpc listen address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid grpc listen port %q: %w", p, err)
	}
	return uint32(port), nil
}
