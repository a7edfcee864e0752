// Package systemd controls systemd units, over D-Bus when the system bus is
// reachable and through systemctl otherwise.
package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Action is a unit operation.
type Action string

const (
	Start           Action = "start"
	Stop            Action = "stop"
	Restart         Action = "restart"
	ReloadOrRestart Action = "reload-or-restart"
)

// ParseAction accepts the systemctl verb. Empty means restart.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Restart, nil
	case Start, Stop, Restart, ReloadOrRestart:
		return a, nil
	default:
		return "", fmt.Errorf("unknown unit action %q", s)
	}
}

// Run applies action to unit and waits for the systemd job to finish.
func Run(ctx context.Context, unit string, action Action) error {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return fmt.Errorf("unit is required")
	}
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return systemctl(ctx, unit, action)
	}
	defer conn.Close()
	return viaDBus(ctx, conn, unit, action)
}

func viaDBus(ctx context.Context, conn *dbus.Conn, unit string, action Action) error {
	ch := make(chan string, 1)
	var err error
	switch action {
	case Start:
		_, err = conn.StartUnitContext(ctx, unit, "replace", ch)
	case Stop:
		_, err = conn.StopUnitContext(ctx, unit, "replace", ch)
	case Restart:
		_, err = conn.RestartUnitContext(ctx, unit, "replace", ch)
	case ReloadOrRestart:
		_, err = conn.ReloadOrRestartUnitContext(ctx, unit, "replace", ch)
	default:
		return fmt.Errorf("unknown unit action %q", action)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, res)
		}
		return nil
	}
}

// IsActive reports whether systemctl considers unit active.
func IsActive(ctx context.Context, unit string) bool {
	// is-active exits non-zero when inactive; only the output matters.
	out, _ := exec.CommandContext(ctx, "systemctl", "is-active", unit).CombinedOutput()
	return strings.TrimSpace(string(out)) == "active"
}

func systemctl(ctx context.Context, unit string, action Action) error {
	out, err := exec.CommandContext(ctx, "systemctl", string(action), unit).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("systemctl %s %s: %w", action, unit, err)
		}
		return fmt.Errorf("systemctl %s %s: %w: %s", action, unit, err, msg)
	}
	return nil
}
