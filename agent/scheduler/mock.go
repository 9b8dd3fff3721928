package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"tangled.sh/tangled.sh/agent/rpc"
)

// Mock is a scheduler that accepts every agent. It is meant for local
// development and tests.
type Mock struct {
	l *slog.Logger

	mu            sync.Mutex
	nextID        uint32
	failures      int
	registrations []*rpc.RegisterAgentRequest
	reports       []*rpc.HealthStatus
	reported      chan struct{}
}

func NewMock(l *slog.Logger) *Mock {
	return &Mock{l: l.With("component", "schedulermock"), nextID: 1, reported: make(chan struct{}, 1)}
}

// FailRegistrations makes the next n registrations fail.
func (m *Mock) FailRegistrations(n int) {
	m.mu.Lock()
	m.failures = n
	m.mu.Unlock()
}

func (m *Mock) RegisterAgent(ctx context.Context, req *rpc.RegisterAgentRequest) (*rpc.RegisterAgentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return nil, status.Error(codes.Unavailable, "scheduler is not accepting agents")
	}

	id := m.nextID
	m.nextID++
	m.registrations = append(m.registrations, req)

	var host string
	if req.Hostname != nil {
		host = req.Hostname.Host
	}
	m.l.Info("agent registered", "agent_id", id, "host", host)

	return &rpc.RegisterAgentResponse{ID: id}, nil
}

func (m *Mock) ReportHealthStatus(stream rpc.HealthStatusReceiver) error {
	for {
		hs, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&rpc.Empty{})
		}
		if err != nil {
			return err
		}

		m.mu.Lock()
		m.reports = append(m.reports, hs)
		m.mu.Unlock()

		select {
		case m.reported <- struct{}{}:
		default:
		}

		if hs.Health != nil {
			m.l.Debug("agent health", "agent_id", hs.AgentID, "status", hs.Health.Status, "cpu", hs.Health.CPUUsage, "memory", hs.Health.MemoryUsage)
		}
	}
}

func (m *Mock) Registrations() []*rpc.RegisterAgentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*rpc.RegisterAgentRequest(nil), m.registrations...)
}

func (m *Mock) Reports() []*rpc.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*rpc.HealthStatus(nil), m.reports...)
}

// Reported is signalled after a health report arrives.
func (m *Mock) Reported() <-chan struct{} {
	return m.reported
}
