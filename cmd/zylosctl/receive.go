package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zylos-ai/zylos-supervisor/internal/agentstatus"
	"github.com/zylos-ai/zylos-supervisor/internal/cliio"
	"github.com/zylos-ai/zylos-supervisor/internal/pendingchannels"
	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
)

func newReceiveCmd(cfg *cliConfig) *cobra.Command {
	var (
		channel     string
		endpoint    string
		priority    int
		noReply     bool
		requireIdle bool
		content     string
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Insert one inbound conversation item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel == "" || content == "" {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "--channel and --content are required")
			}
			if priority < 1 || priority > 3 {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "--priority must be 1, 2, or 3")
			}

			status, ok, err := statusfile.Read[agentstatus.AgentStatus](filepath.Join(activityMonitorDir(cfg), "claude-status.json"))
			if err == nil && ok {
				switch status.Health {
				case agentstatus.HealthRecovering, agentstatus.HealthDown:
					pendingPath := filepath.Join(activityMonitorDir(cfg), "pending-channels.jsonl")
					if err := pendingchannels.Append(pendingPath, pendingchannels.Entry{Channel: channel, Endpoint: endpoint}); err != nil {
						return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, err.Error())
					}
					if status.Health == agentstatus.HealthRecovering {
						return cliio.EmitErr(cfg.jsonOutput, cliio.CodeHealthRecovering, "agent is recovering, message not accepted")
					}
					return cliio.EmitErr(cfg.jsonOutput, cliio.CodeHealthDown, "agent is down, message not accepted")
				}
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

			opts := store.InsertConversationOptions{Priority: priority, RequireIdle: requireIdle}
			if noReply {
				opts.Status = store.StatusDelivered
			}

			conv, err := st.Conversations.InsertConversation(cmd.Context(), store.DirectionInbound, channel, ep, content, opts)
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, err.Error())
			}

			return cliio.Emit(cfg.jsonOutput, map[string]any{"id": conv.ID}, fmt.Sprintf("OK: received conversation %d", conv.ID))
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Source channel name")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Channel-specific addressee")
	cmd.Flags().IntVar(&priority, "priority", 3, "Priority 1 (highest) to 3 (lowest)")
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "Record as already delivered (no agent response expected)")
	cmd.Flags().BoolVar(&requireIdle, "require-idle", false, "Only deliver once the agent has been idle for REQUIRE_IDLE_MIN_SECONDS")
	cmd.Flags().StringVar(&content, "content", "", "Message content")

	return cmd
}
