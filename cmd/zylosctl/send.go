package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zylos-ai/zylos-supervisor/internal/cliio"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
)

func newSendCmd(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <channel> [<endpoint>] [<msg>]",
		Short: "Record an outbound message and invoke its channel adapter",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]
			var endpoint, msg string
			switch len(args) {
			case 2:
				msg = args[1]
			case 3:
				endpoint, msg = args[1], args[2]
			}
			if msg == "" {
				data, err := io.ReadAll(bufio.NewReader(os.Stdin))
				if err != nil {
					return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "failed to read message from stdin: "+err.Error())
				}
				msg = strings.TrimRight(string(data), "\n")
			}
			if msg == "" {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "message content is required (argument or stdin)")
			}

			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			var ep *string
			if endpoint != "" {
				ep = &endpoint
			}

			conv, err := st.Conversations.InsertConversation(cmd.Context(), store.DirectionOutbound, channel, ep, msg, store.InsertConversationOptions{})
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, err.Error())
			}

			adapterPath := filepath.Join(cfg.installRoot, "skills", channel, "scripts", "send.js")
			if _, statErr := os.Stat(adapterPath); statErr == nil {
				adapterArgs := []string{adapterPath}
				if endpoint != "" {
					adapterArgs = append(adapterArgs, endpoint)
				}
				adapterArgs = append(adapterArgs, msg)

				sub := exec.CommandContext(cmd.Context(), "node", adapterArgs...)
				sub.Stdout = os.Stdout
				sub.Stderr = os.Stderr
				if runErr := sub.Run(); runErr != nil {
					var exitErr *exec.ExitError
					if errors.As(runErr, &exitErr) {
						os.Exit(exitErr.ExitCode())
					}
					return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, "channel adapter failed to start: "+runErr.Error())
				}
			}

			return cliio.Emit(cfg.jsonOutput, map[string]any{"id": conv.ID}, fmt.Sprintf("OK: sent via %s", channel))
		},
	}
	return cmd
}
