package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/agent"
	"tangled.sh/tangled.sh/log"
)

func main() {
	cmd := &cli.Command{
		Name:  "agent",
		Usage: "run actions in containers on behalf of a scheduler",
		Commands: []*cli.Command{
			agent.Command(),
			agent.ExecCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("agent")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
