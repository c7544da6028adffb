package monitor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FileActivityTimer implements ActivityTimer against the agent's real
// conversation log directory and tmux pane activity, per spec.md §4.E
// step 4's two-level fallback.
type FileActivityTimer struct {
	ConversationLogDir string
	Session            string
	CmdTimeout         time.Duration
}

var _ ActivityTimer = (*FileActivityTimer)(nil)

// LatestConversationLogMTime returns the mtime of the most recently
// modified file in ConversationLogDir.
func (f *FileActivityTimer) LatestConversationLogMTime(ctx context.Context) (time.Time, bool, error) {
	entries, err := os.ReadDir(f.ConversationLogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("monitor: read conversation log dir: %w", err)
	}

	var latest time.Time
	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(latest) {
			latest = info.ModTime()
			found = true
		}
	}
	return latest, found, nil
}

// TerminalActivityTime asks tmux for the session's last-activity time
// (#{session_activity}, a Unix timestamp).
func (f *FileActivityTimer) TerminalActivityTime(ctx context.Context) (time.Time, bool, error) {
	timeout := f.CmdTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "display-message", "-p", "-t", f.Session, "#{session_activity}")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("monitor: tmux display-message: %w", err)
	}

	secs, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("monitor: parse session_activity: %w", err)
	}
	return time.Unix(secs, 0), true, nil
}
