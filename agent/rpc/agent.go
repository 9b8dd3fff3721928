package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	agentServiceName         = "scheduler.Agent"
	registerAgentMethod      = "/scheduler.Agent/RegisterAgent"
	reportHealthStatusMethod = "/scheduler.Agent/ReportHealthStatus"
)

// AgentServer is implemented by schedulers that agents register with.
type AgentServer interface {
	RegisterAgent(context.Context, *RegisterAgentRequest) (*RegisterAgentResponse, error)
	ReportHealthStatus(HealthStatusReceiver) error
}

// HealthStatusReceiver is the server side of a ReportHealthStatus call.
type HealthStatusReceiver interface {
	Recv() (*HealthStatus, error)
	SendAndClose(*Empty) error
	Context() context.Context
}

var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: agentServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterAgent",
			Handler:    registerAgentHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReportHealthStatus",
			Handler:       reportHealthStatusHandler,
			ClientStreams: true,
		},
	},
	Metadata: "scheduler.proto",
}

func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&AgentServiceDesc, srv)
}

func registerAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterAgentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: registerAgentMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).RegisterAgent(ctx, req.(*RegisterAgentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportHealthStatusHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentServer).ReportHealthStatus(&healthStatusReceiver{stream})
}

type healthStatusReceiver struct {
	grpc.ServerStream
}

func (r *healthStatusReceiver) Recv() (*HealthStatus, error) {
	m := new(HealthStatus)
	if err := r.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *healthStatusReceiver) SendAndClose(m *Empty) error {
	return r.ServerStream.SendMsg(m)
}

// AgentClient calls a scheduler.
type AgentClient struct {
	cc grpc.ClientConnInterface
}

func NewAgentClient(cc grpc.ClientConnInterface) *AgentClient {
	return &AgentClient{cc: cc}
}

func (c *AgentClient) RegisterAgent(ctx context.Context, in *RegisterAgentRequest, opts ...grpc.CallOption) (*RegisterAgentResponse, error) {
	out := new(RegisterAgentResponse)
	if err := c.cc.Invoke(ctx, registerAgentMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentClient) ReportHealthStatus(ctx context.Context, opts ...grpc.CallOption) (*HealthStatusSender, error) {
	stream, err := c.cc.NewStream(ctx, &AgentServiceDesc.Streams[0], reportHealthStatusMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &HealthStatusSender{stream}, nil
}

// HealthStatusSender is the client side of a ReportHealthStatus call.
type HealthStatusSender struct {
	grpc.ClientStream
}

func (s *HealthStatusSender) Send(m *HealthStatus) error {
	return s.ClientStream.SendMsg(m)
}

func (s *HealthStatusSender) CloseAndRecv() (*Empty, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Empty)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
