package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zylos-ai/zylos-supervisor/internal/cliio"
)

func newFetchCmd(cfg *cliConfig) *cobra.Command {
	var (
		unsummarized bool
		begin, end   int64
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Print a checkpoint summary (if any) plus formatted conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if unsummarized {
				rng, err := st.Checkpoints.UnsummarizedRange(cmd.Context())
				if err != nil {
					return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, err.Error())
				}
				if rng == nil || rng.Count == 0 {
					return cliio.Emit(cfg.jsonOutput, map[string]any{"count": 0}, "(nothing unsummarized)")
				}
				begin, end = rng.BeginID, rng.EndID
			} else if begin == 0 || end == 0 {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "either --unsummarized or both --begin and --end are required")
			}

			last, err := st.Checkpoints.LastCheckpoint(cmd.Context())
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, err.Error())
			}

			conversations, err := st.Conversations.ConversationsByRange(cmd.Context(), begin, end)
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, err.Error())
			}

			if cfg.jsonOutput {
				fields := map[string]any{"begin": begin, "end": end, "count": len(conversations)}
				if last != nil {
					fields["checkpoint_summary"] = last.Summary
				}
				entries := make([]map[string]any, 0, len(conversations))
				for _, c := range conversations {
					entries = append(entries, map[string]any{
						"id": c.ID, "direction": c.Direction, "channel": c.Channel, "content": c.Content, "status": c.Status,
					})
				}
				fields["conversations"] = entries
				return cliio.Emit(cfg.jsonOutput, fields, "")
			}

			if last != nil && last.Summary != "" {
				fmt.Printf("--- checkpoint summary (through %d) ---\n%s\n\n", last.EndConversationID, last.Summary)
			}
			for _, c := range conversations {
				fmt.Printf("[%d] %s/%s (%s): %s\n", c.ID, c.Direction, c.Channel, c.Status, c.Content)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&unsummarized, "unsummarized", false, "Fetch everything since the last checkpoint")
	cmd.Flags().Int64Var(&begin, "begin", 0, "Range start conversation id")
	cmd.Flags().Int64Var(&end, "end", 0, "Range end conversation id")

	return cmd
}
