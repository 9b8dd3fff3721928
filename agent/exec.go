package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/agent/actions"
	"tangled.sh/tangled.sh/agent/config"
	"tangled.sh/tangled.sh/agent/container"
	"tangled.sh/tangled.sh/agent/jobs"
	"tangled.sh/tangled.sh/agent/models"
	"tangled.sh/tangled.sh/agent/outbox"
	"tangled.sh/tangled.sh/log"
)

func ExecCommand() *cli.Command {
	return &cli.Command{
		Name:   "exec",
		Usage:  "run a single action from a job file and print its output",
		Action: Exec,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "path to the job file",
				Required: true,
			},
		},
		Description: `
Environment variables:
	AGENT_RUNTIME_BACKEND               (default: docker)
	AGENT_RUNTIME_CONTAINERD_SOCKET     (default: /run/containerd/containerd.sock)
	AGENT_RUNTIME_NAMESPACE             (default: default)
`,
	}
}

func Exec(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	job, err := jobs.Load(cmd.String("file"))
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	cfg, err := config.LoadRuntime(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rt, err := container.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("failed to setup %s runtime: %w", cfg.Backend, err)
	}
	defer rt.Close()

	code, err := runJob(ctx, rt, job, cmd.Root().Writer, logger)
	if err != nil {
		return err
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// runJob runs job to completion, writing its output to w, and returns
// the exit code of the last step that ran.
func runJob(ctx context.Context, rt container.Runtime, job jobs.Job, w io.Writer, l *slog.Logger) (int, error) {
	svc := actions.New(rt, actions.Options{Logger: l})
	defer svc.Close()

	out := outbox.New[models.Message]()
	defer out.Detach()
	sink := models.SinkFunc(func(m models.Message) error {
		return out.Send(m)
	})

	a, err := svc.Create(ctx, job.Image, job.Commands(), sink, job.RepoURL, job.ActionID)
	if err != nil {
		return -1, fmt.Errorf("failed to create action: %w", err)
	}
	defer svc.Delete(context.WithoutCancel(ctx), a.ID())

	go func() {
		out.Close(svc.Execute(ctx, a))
	}()

	for {
		m, err := out.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if models.IsStepFailure(err) {
				break
			}
			return -1, err
		}

		if m.Log != "" {
			fmt.Fprintln(w, m.Log)
		}
	}

	code, ok := a.ExitCode()
	if !ok {
		return -1, fmt.Errorf("action %d ended without an exit code", a.ID())
	}
	return code, nil
}
