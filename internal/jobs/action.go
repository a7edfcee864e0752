package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"schedd/internal/config"
	"schedd/internal/task/scheduler"
	"schedd/pkg/logx"
	"schedd/pkg/systemd"
)

const (
	// maxOutputTail bounds how much command output is kept for error messages.
	maxOutputTail = 512
	// killWait bounds how long a canceled command's children may hold its
	// output pipes open.
	killWait = 2 * time.Second
)

func newAction(jc config.JobConfig, log logx.Logger) (scheduler.Action, error) {
	log = log.With(logx.String("job", jc.Name), logx.String("kind", jc.Kind))
	switch jc.Kind {
	case config.KindExec:
		return execAction(jc, log), nil
	case config.KindLog:
		return logAction(jc, log), nil
	case config.KindSystemd:
		action, err := systemd.ParseAction(jc.UnitAction)
		if err != nil {
			return nil, err
		}
		unit := strings.TrimSpace(jc.Unit)
		return func(ctx context.Context) error {
			log.Debug("unit action", logx.String("unit", unit), logx.String("action", string(action)))
			return systemd.Run(ctx, unit, action)
		}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", jc.Kind)
	}
}

func execAction(jc config.JobConfig, log logx.Logger) scheduler.Action {
	argv := append([]string(nil), jc.Command...)
	env := append([]string(nil), jc.Env...)
	dir := jc.Dir
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.WaitDelay = killWait
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		if log.Enabled(logx.LevelDebug) && out.Len() > 0 {
			log.Debug("command output", logx.String("output", tail(out.String(), maxOutputTail)))
		}
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w", argv[0], ctx.Err())
			}
			if msg := tail(strings.TrimSpace(out.String()), maxOutputTail); msg != "" {
				return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
			}
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return nil
	}
}

func logAction(jc config.JobConfig, log logx.Logger) scheduler.Action {
	level := logx.ParseLevel(jc.Level)
	msg := jc.Message
	return func(context.Context) error {
		switch level {
		case logx.LevelDebug:
			log.Debug(msg)
		case logx.LevelWarn:
			log.Warn(msg)
		case logx.LevelError:
			log.Error(msg)
		default:
			log.Info(msg)
		}
		return nil
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
