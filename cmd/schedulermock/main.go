// schedulermock accepts agent registrations and health reports and logs
// them, for running an agent locally.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"tangled.sh/tangled.sh/agent/rpc"
	"tangled.sh/tangled.sh/agent/scheduler"
	"tangled.sh/tangled.sh/log"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:5001", "address to listen on")
	flag.Parse()

	logger := log.New("schedulermock")

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("failed to listen", "address", *addr, "error", err)
		os.Exit(1)
	}

	gs := grpc.NewServer(rpc.ServerOptions()...)
	rpc.RegisterAgentServer(gs, scheduler.NewMock(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	logger.Info("starting scheduler mock", "address", *addr)
	if err := gs.Serve(lis); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
