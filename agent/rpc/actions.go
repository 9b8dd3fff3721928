package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"tangled.sh/tangled.sh/agent/actions"
	"tangled.sh/tangled.sh/agent/metrics"
	"tangled.sh/tangled.sh/agent/models"
	"tangled.sh/tangled.sh/agent/outbox"
	"tangled.sh/tangled.sh/agent/queue"
)

const executionActionMethod = "/actions.ActionService/ExecutionAction"

// ActionServer launches actions and streams their output back.
type ActionServer interface {
	ExecutionAction(*ActionRequest, ActionResponseSender) error
}

type ActionResponseSender interface {
	Send(*ActionResponse) error
	Context() context.Context
}

var ActionServiceDesc = grpc.ServiceDesc{
	ServiceName: "actions.ActionService",
	HandlerType: (*ActionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExecutionAction",
			Handler:       executionActionHandler,
			ServerStreams: true,
		},
	},
	Metadata: "actions.proto",
}

func RegisterActionServer(s grpc.ServiceRegistrar, srv ActionServer) {
	s.RegisterService(&ActionServiceDesc, srv)
}

func executionActionHandler(srv any, stream grpc.ServerStream) error {
	in := new(ActionRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ActionServer).ExecutionAction(in, &actionResponseSender{stream})
}

type actionResponseSender struct {
	grpc.ServerStream
}

func (s *actionResponseSender) Send(m *ActionResponse) error {
	return s.ServerStream.SendMsg(m)
}

// Launcher serves ExecutionAction: it creates the action, hands its
// execution to the job queue and relays the output until the action
// ends.
type Launcher struct {
	actions *actions.Service
	queue   *queue.Queue
	metrics *metrics.Metrics
	l       *slog.Logger
}

func NewLauncher(svc *actions.Service, q *queue.Queue, m *metrics.Metrics, l *slog.Logger) *Launcher {
	return &Launcher{
		actions: svc,
		queue:   q,
		metrics: m,
		l:       l.With("component", "launcher"),
	}
}

func (s *Launcher) ExecutionAction(req *ActionRequest, stream ActionResponseSender) error {
	ctx := stream.Context()

	if req.Context == nil {
		return status.Error(codes.InvalidArgument, "action context is required")
	}
	if req.Context.ContainerImage == "" {
		return status.Error(codes.InvalidArgument, "container image is required")
	}

	l := s.l.With("action", req.ActionID)
	l.Info("launching action", "image", req.Context.ContainerImage, "repo", req.RepoURL)

	out := outbox.New[models.Message]()
	defer out.Detach()

	a, err := s.actions.Create(ctx, req.Context.ContainerImage, req.Commands, out, req.RepoURL, req.ActionID)
	if err != nil {
		return status.Error(createCode(err), fmt.Sprintf("creating action: %v", err))
	}

	// the action outlives the call; only Delete cancels it
	execCtx := context.WithoutCancel(ctx)
	ok := s.queue.Enqueue(queue.Job{
		Run: func() error {
			err := s.actions.Execute(execCtx, a)
			out.Close(err)
			return err
		},
		OnFail: func(err error) {
			l.Warn("action failed", "error", err)
		},
	})
	if !ok {
		s.metrics.QueueRejected()
		if err := s.actions.Delete(execCtx, a.ID()); err != nil {
			l.Error("failed to drop rejected action", "error", err)
		}
		return status.Error(codes.ResourceExhausted, "job queue is full")
	}

	for {
		msg, err := out.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			return status.Error(codes.Aborted, err.Error())
		}
		if err := stream.Send(&msg); err != nil {
			l.Debug("client went away", "error", err)
			return err
		}
	}
}

func createCode(err error) codes.Code {
	switch {
	case errors.Is(err, models.ErrActionExists):
		return codes.AlreadyExists
	case errors.Is(err, models.ErrInvalidRepository):
		return codes.InvalidArgument
	case errors.Is(err, actions.ErrShuttingDown):
		return codes.Unavailable
	default:
		return codes.Aborted
	}
}

// ActionClient launches actions on an agent.
type ActionClient struct {
	cc grpc.ClientConnInterface
}

func NewActionClient(cc grpc.ClientConnInterface) *ActionClient {
	return &ActionClient{cc: cc}
}

func (c *ActionClient) ExecutionAction(ctx context.Context, in *ActionRequest, opts ...grpc.CallOption) (*ActionResponseReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &ActionServiceDesc.Streams[0], executionActionMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ActionResponseReceiver{stream}, nil
}

type ActionResponseReceiver struct {
	grpc.ClientStream
}

func (r *ActionResponseReceiver) Recv() (*ActionResponse, error) {
	m := new(ActionResponse)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
