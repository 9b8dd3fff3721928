// Package actions keeps the registry of actions this agent has accepted
// and drives them through their lifecycle.
package actions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"tangled.sh/tangled.sh/agent/broker"
	"tangled.sh/tangled.sh/agent/container"
	"tangled.sh/tangled.sh/agent/metrics"
	"tangled.sh/tangled.sh/agent/models"
)

var ErrShuttingDown = errors.New("agent is shutting down")

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	rt      container.Runtime
	l       *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	actions *broker.ActionBroker
	states  *broker.StateBroker

	mu       sync.Mutex
	stopping bool
	registry map[uint32]*models.Action
	// ids being created but not registered yet
	pending map[uint32]struct{}
}

func New(rt container.Runtime, opts Options) *Service {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}

	return &Service{
		rt:       rt,
		l:        l.With("component", "actions"),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("tangled.sh/tangled.sh/agent/actions"),
		actions:  broker.NewActionBroker(),
		states:   broker.NewStateBroker(),
		registry: make(map[uint32]*models.Action),
		pending:  make(map[uint32]struct{}),
	}
}

// Create provisions a container for a new action, clones its repository
// and registers it under actionID. The action is not started; see
// Execute.
func (s *Service) Create(ctx context.Context, image string, commands []string, sink models.Sink, repoURL string, actionID uint32) (*models.Action, error) {
	ctx, span := s.tracer.Start(ctx, "actions.Create", trace.WithAttributes(
		attribute.Int64("action.id", int64(actionID)),
		attribute.String("action.image", image),
		attribute.String("action.repo", repoURL),
	))
	defer span.End()

	a, err := s.create(ctx, image, commands, sink, repoURL, actionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return a, nil
}

func (s *Service) create(ctx context.Context, image string, commands []string, sink models.Sink, repoURL string, actionID uint32) (*models.Action, error) {
	l := s.l.With("action", actionID)

	if err := validateRepository(repoURL); err != nil {
		return nil, err
	}
	if err := s.reserve(actionID); err != nil {
		return nil, err
	}
	defer s.release(actionID)

	c := s.rt.NewContainer(image, container.Name(actionID))
	if err := c.Create(ctx); err != nil {
		l.Error("failed to create container", "image", image, "error", err)
		s.removeContainer(ctx, c)
		return nil, err
	}

	a := models.NewAction(actionID, c, commands, sink, repoURL, models.ActionOptions{
		States: s.states,
		Logger: l,
		OnStep: s.metrics.ObserveStep,
	})

	if err := a.SetupRepository(ctx); err != nil {
		l.Error("failed to set up repository", "repo", repoURL, "error", err)
		s.removeContainer(ctx, c)
		return nil, err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.removeContainer(ctx, c)
		return nil, ErrShuttingDown
	}
	s.registry[actionID] = a
	s.mu.Unlock()
	s.metrics.ActionCreated()

	if err := s.actions.Creations.Send(a); err != nil {
		l.Warn("failed to publish creation", "error", err)
	}
	l.Info("created action", "image", image, "steps", len(commands))

	return a, nil
}

// Execute runs a registered action to completion.
func (s *Service) Execute(ctx context.Context, a *models.Action) error {
	ctx, span := s.tracer.Start(ctx, "actions.Execute", trace.WithAttributes(
		attribute.Int64("action.id", int64(a.ID())),
	))
	defer span.End()

	s.metrics.ActionStarted()
	err := a.Execute(ctx)
	s.metrics.ActionFinished(a.State())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) Get(actionID uint32) (*models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.registry[actionID]
	if !ok {
		return nil, models.ErrActionNotFound
	}
	return a, nil
}

// List returns every registered action ordered by id.
func (s *Service) List() []*models.Action {
	s.mu.Lock()
	out := make([]*models.Action, 0, len(s.registry))
	for _, a := range s.registry {
		out = append(out, a)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *models.Action) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return out
}

// Delete unregisters an action, stops it if it is still running and
// removes its container.
func (s *Service) Delete(ctx context.Context, actionID uint32) error {
	s.mu.Lock()
	a, ok := s.registry[actionID]
	if ok {
		delete(s.registry, actionID)
	}
	s.mu.Unlock()
	if !ok {
		return models.ErrActionNotFound
	}
	s.metrics.ActionDeleted()

	a.Cancel()
	cleanupErr := a.Cleanup(ctx)

	// the action is gone from the registry either way
	err := s.actions.Deletions.Send(&broker.Deletion{ActionID: actionID, Timestamp: time.Now().UTC()})
	if err != nil {
		s.l.Warn("failed to publish deletion", "action", actionID, "error", err)
	}

	if cleanupErr != nil {
		return fmt.Errorf("cleaning up action %d: %w", actionID, cleanupErr)
	}
	s.l.Info("deleted action", "action", actionID)

	return nil
}

// Shutdown refuses new actions, cancels every registered one and removes
// their containers. Actions stay registered so their final state can
// still be read.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	running := make([]*models.Action, 0, len(s.registry))
	for _, a := range s.registry {
		running = append(running, a)
	}
	s.mu.Unlock()

	var errs []error
	for _, a := range running {
		a.Cancel()
		if err := a.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleaning up action %d: %w", a.ID(), err))
		}
	}
	s.l.Info("stopped actions", "count", len(running))

	return errors.Join(errs...)
}

func (s *Service) CreationStream() *broker.Subscription[*models.Action] {
	return s.actions.Creations.Subscribe()
}

func (s *Service) DeletionStream() *broker.Subscription[*broker.Deletion] {
	return s.actions.Deletions.Subscribe()
}

func (s *Service) StateStream() *broker.Subscription[*models.StateEvent] {
	return s.states.Subscribe()
}

// Close ends every open stream.
func (s *Service) Close() {
	s.actions.Close()
	s.states.Close()
}

func (s *Service) reserve(actionID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrShuttingDown
	}
	if _, ok := s.registry[actionID]; ok {
		return fmt.Errorf("%w: %d", models.ErrActionExists, actionID)
	}
	if _, ok := s.pending[actionID]; ok {
		return fmt.Errorf("%w: %d is being created", models.ErrActionExists, actionID)
	}
	s.pending[actionID] = struct{}{}
	return nil
}

func (s *Service) release(actionID uint32) {
	s.mu.Lock()
	delete(s.pending, actionID)
	s.mu.Unlock()
}

func (s *Service) removeContainer(ctx context.Context, c container.Container) {
	if err := c.Remove(context.WithoutCancel(ctx)); err != nil {
		s.l.Error("failed to remove container", "container", c.ID(), "error", err)
	}
}

var allowedProtocols = []string{"http", "https", "ssh", "git"}

func validateRepository(repoURL string) error {
	if repoURL == "" {
		return fmt.Errorf("%w: empty", models.ErrInvalidRepository)
	}
	ep, err := transport.NewEndpoint(repoURL)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidRepository, err)
	}
	if !slices.Contains(allowedProtocols, ep.Protocol) {
		return fmt.Errorf("%w: unsupported protocol %q", models.ErrInvalidRepository, ep.Protocol)
	}
	if ep.Host == "" {
		return fmt.Errorf("%w: missing host", models.ErrInvalidRepository)
	}
	return nil
}
