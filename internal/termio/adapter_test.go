package termio

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAdapter(t *testing.T, runCmd func(ctx context.Context, args ...string) (string, error)) *Adapter {
	t.Helper()
	a := New(Config{
		PasteDelayBase:        time.Millisecond,
		PasteDelayPerKB:       time.Millisecond,
		EnterVerifyMaxRetries: 3,
		EnterVerifyWaitMS:     time.Millisecond,
		CommandTimeout:        time.Second,
	}, zap.NewNop())
	a.runCmd = runCmd
	return a
}

const ruleLine = "──────────────────────────"

func TestSendAndVerify_SucceedsOnFirstEmptyCapture(t *testing.T) {
	var captured []string
	a := testAdapter(t, func(ctx context.Context, args ...string) (string, error) {
		captured = append(captured, strings.Join(args, " "))
		if args[0] == "capture-pane" {
			return ruleLine + "\n>\n" + ruleLine, nil
		}
		return "", nil
	})

	res := a.SendAndVerify(context.Background(), "pane:0.0", "hello")
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.Equal(t, 1, res.Attempts)
}

func TestSendAndVerify_RetriesUntilCleared(t *testing.T) {
	calls := 0
	a := testAdapter(t, func(ctx context.Context, args ...string) (string, error) {
		if args[0] == "capture-pane" {
			calls++
			if calls < 3 {
				return ruleLine + "\n> still here\n" + ruleLine, nil
			}
			return ruleLine + "\n>\n" + ruleLine, nil
		}
		return "", nil
	})

	res := a.SendAndVerify(context.Background(), "pane:0.0", "hello")
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.Equal(t, 3, res.Attempts)
}

func TestSendAndVerify_GivesUpAfterMaxRetries(t *testing.T) {
	a := testAdapter(t, func(ctx context.Context, args ...string) (string, error) {
		if args[0] == "capture-pane" {
			return ruleLine + "\n> still here\n" + ruleLine, nil
		}
		return "", nil
	})

	res := a.SendAndVerify(context.Background(), "pane:0.0", "hello")
	require.Equal(t, OutcomePasteError, res.Outcome)
	require.Equal(t, 3, res.Attempts)
}

func TestSendAndVerify_PasteFailureReturnsPasteError(t *testing.T) {
	a := testAdapter(t, func(ctx context.Context, args ...string) (string, error) {
		if args[0] == "set-buffer" {
			return "", context.DeadlineExceeded
		}
		return "", nil
	})

	res := a.SendAndVerify(context.Background(), "pane:0.0", "hello")
	require.Equal(t, OutcomePasteError, res.Outcome)
	require.Equal(t, 0, res.Attempts)
}

func TestClassifyInputArea(t *testing.T) {
	require.Equal(t, inputEmpty, classifyInputArea(ruleLine+"\n>  \n"+ruleLine))
	require.Equal(t, inputHasContent, classifyInputArea(ruleLine+"\n> do the thing\n"+ruleLine))
	require.Equal(t, inputIndeterminate, classifyInputArea("no rules here at all"))
}

func TestSanitize_StripsControlCharsButKeepsTabsAndNewlines(t *testing.T) {
	in := "line one\tindented\nline two\x00\x07done"
	out := sanitize(in)
	require.Equal(t, "line one\tindented\nline twodone", out)
}
