// Package scheduler keeps this agent registered with the central
// scheduler and reports its health there.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/avast/retry-go/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"tangled.sh/tangled.sh/agent/config"
	"tangled.sh/tangled.sh/agent/rpc"
)

var (
	ErrConnection    = errors.New("could not connect to scheduler")
	ErrRegistration  = errors.New("could not register with scheduler")
	ErrNotRegistered = errors.New("agent is not registered")
	ErrReportHealth  = errors.New("could not report health")
)

type Service struct {
	conn     *grpc.ClientConn
	client   *rpc.AgentClient
	health   *HealthService
	cfg      config.Scheduler
	hostname rpc.Hostname
	l        *slog.Logger

	mu      sync.Mutex
	agentID *uint32
}

// Init connects to the scheduler at cfg.Addr. host and port are what
// the scheduler is told to reach this agent on.
func Init(ctx context.Context, cfg config.Scheduler, host string, port uint32, health *HealthService, l *slog.Logger, opts ...grpc.DialOption) (*Service, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, rpc.DialOptions()...)
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	conn.Connect()

	return &Service{
		conn:     conn,
		client:   rpc.NewAgentClient(conn),
		health:   health,
		cfg:      cfg,
		hostname: rpc.Hostname{Host: host, Port: port},
		l:        l.With("component", "scheduler", "scheduler", cfg.Addr),
	}, nil
}

func (s *Service) Close() error {
	return s.conn.Close()
}

// AgentID returns the id assigned by the scheduler, once registered.
func (s *Service) AgentID() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentID == nil {
		return 0, false
	}
	return *s.agentID, true
}

func (s *Service) Register(ctx context.Context) error {
	health := s.health.Current(ctx)
	hostname := s.hostname

	resp, err := s.client.RegisterAgent(ctx, &rpc.RegisterAgentRequest{
		Health:   &health,
		Hostname: &hostname,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	s.mu.Lock()
	id := resp.ID
	s.agentID = &id
	s.mu.Unlock()

	s.l.Info("registered with scheduler", "agent_id", id, "host", hostname.Host, "port", hostname.Port)
	return nil
}

// ReportHealth streams health samples to the scheduler until ctx is done
// or the stream breaks.
func (s *Service) ReportHealth(ctx context.Context) error {
	agentID, ok := s.AgentID()
	if !ok {
		return ErrNotRegistered
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.client.ReportHealthStatus(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReportHealth, err)
	}

	samples := make(chan rpc.Health)
	go func() {
		defer close(samples)
		for h := range s.health.Stream(ctx, s.cfg.HealthInterval) {
			select {
			case samples <- h:
			case <-ctx.Done():
				return
			}
		}
	}()

	for h := range samples {
		err := stream.Send(&rpc.HealthStatus{AgentID: agentID, Health: &h})
		if errors.Is(err, io.EOF) {
			// the server ended the call; the real status comes from CloseAndRecv
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrReportHealth, err)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		return fmt.Errorf("%w: %w", ErrReportHealth, err)
	}
	return fmt.Errorf("%w: scheduler closed the stream", ErrReportHealth)
}

// Run registers with the scheduler and keeps reporting health until ctx
// is done. Registration gives up after cfg.RegisterAttempts failures;
// once registered, a broken health report re-registers indefinitely.
func (s *Service) Run(ctx context.Context) error {
	if err := s.register(ctx, s.cfg.RegisterAttempts); err != nil {
		return err
	}

	for {
		err := s.ReportHealth(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.l.Warn("health report interrupted", "error", err)

		if err := s.register(ctx, 0); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Service) register(ctx context.Context, attempts uint) error {
	return retry.Do(
		func() error { return s.Register(ctx) },
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(s.cfg.RetryDelay),
		retry.MaxDelay(s.cfg.MaxRetryDelay),
		retry.MaxJitter(s.cfg.RetryDelay/5),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.l.Info("retrying registration", "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}
