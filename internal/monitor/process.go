package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Prober answers the two liveness questions the Activity Monitor's tick
// needs (spec.md §4.E steps 2-3): does the terminal session exist, and is
// the agent process actually running inside it. It shells out to tmux for
// session bookkeeping and walks the process tree with gopsutil to confirm
// the agent binary itself is alive — a tmux session can outlive a crashed
// agent process.
type Prober struct {
	Session    string
	AgentBin   string
	StartArgs  []string
	CmdTimeout time.Duration
}

// SessionExists reports whether the tmux session is present.
func (p *Prober) SessionExists(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", p.Session)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("monitor: tmux has-session: %w", err)
	}
	return true, nil
}

// ProcessRunning reports whether the agent binary is present somewhere in
// the session's pane process tree.
func (p *Prober) ProcessRunning(ctx context.Context) (bool, error) {
	panePID, err := p.panePID(ctx)
	if err != nil {
		return false, err
	}
	if panePID == 0 {
		return false, nil
	}

	root, err := process.NewProcessWithContext(ctx, panePID)
	if err != nil {
		return false, nil //nolint:nilerr // process already gone is "not running", not an error
	}

	return p.matchesDescendant(ctx, root)
}

func (p *Prober) matchesDescendant(ctx context.Context, proc *process.Process) (bool, error) {
	name, _ := proc.NameWithContext(ctx)
	if strings.Contains(name, p.AgentBin) {
		return true, nil
	}

	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return false, nil //nolint:nilerr // no children is not an error condition here
	}
	for _, child := range children {
		found, err := p.matchesDescendant(ctx, child)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// StartSession spawns a new detached tmux session running the agent binary.
func (p *Prober) StartSession(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	args := append([]string{"new-session", "-d", "-s", p.Session, p.AgentBin}, p.StartArgs...)
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("monitor: tmux new-session: %w: %s", err, stderr.String())
	}
	return nil
}

// KillSession terminates the tmux session outright, so the Activity
// Monitor's own tick observes it missing and respawns it — the mechanism
// the Liveness Engine's recovery step relies on (spec.md §4.D).
func (p *Prober) KillSession(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", p.Session)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil // session already gone
		}
		return fmt.Errorf("monitor: tmux kill-session: %w", err)
	}
	return nil
}

func (p *Prober) panePID(ctx context.Context) (int32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "list-panes", "-t", p.Session, "-F", "#{pane_pid}")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("monitor: tmux list-panes: %w", err)
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return 0, nil
	}
	pid, err := strconv.ParseInt(line, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("monitor: parse pane pid %q: %w", line, err)
	}
	return int32(pid), nil
}

var _ SessionProber = (*Prober)(nil)

func (p *Prober) timeout() time.Duration {
	if p.CmdTimeout > 0 {
		return p.CmdTimeout
	}
	return 5 * time.Second
}
