package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zylos-ai/zylos-supervisor/internal/cliio"
)

func newCheckpointCmd(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Create and inspect summarization checkpoints",
	}
	cmd.AddCommand(newCheckpointCreateCmd(cfg))
	cmd.AddCommand(newCheckpointLatestCmd(cfg))
	cmd.AddCommand(newCheckpointListCmd(cfg))
	return cmd
}

func newCheckpointCreateCmd(cfg *cliConfig) *cobra.Command {
	var summary string

	cmd := &cobra.Command{
		Use:   "create <end_id>",
		Short: "Create a checkpoint covering [prev.end+1, end_id]",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "end_id must be an integer")
			}

			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cp, err := st.Checkpoints.CreateCheckpoint(cmd.Context(), endID, summary)
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeConflict, err.Error())
			}

			return cliio.Emit(cfg.jsonOutput,
				map[string]any{"id": cp.ID, "start": cp.StartConversationID, "end": cp.EndConversationID},
				fmt.Sprintf("OK: checkpoint %d covers [%d, %d]", cp.ID, cp.StartConversationID, cp.EndConversationID),
			)
		},
	}

	cmd.Flags().StringVar(&summary, "summary", "", "Summary text for this checkpoint")
	return cmd
}

func newCheckpointLatestCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Print the most recent checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			cp, err := st.Checkpoints.LastCheckpoint(cmd.Context())
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, err.Error())
			}
			if cp == nil {
				return cliio.Emit(cfg.jsonOutput, map[string]any{"checkpoint": nil}, "(no checkpoints yet)")
			}

			return cliio.Emit(cfg.jsonOutput,
				map[string]any{"id": cp.ID, "start": cp.StartConversationID, "end": cp.EndConversationID, "summary": cp.Summary},
				fmt.Sprintf("checkpoint %d [%d, %d]: %s", cp.ID, cp.StartConversationID, cp.EndConversationID, cp.Summary),
			)
		},
	}
}

func newCheckpointListCmd(cfg *cliConfig) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			checkpoints, err := st.Checkpoints.ListCheckpoints(cmd.Context(), limit)
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, err.Error())
			}

			if cfg.jsonOutput {
				entries := make([]map[string]any, 0, len(checkpoints))
				for _, cp := range checkpoints {
					entries = append(entries, map[string]any{"id": cp.ID, "start": cp.StartConversationID, "end": cp.EndConversationID, "summary": cp.Summary})
				}
				return cliio.Emit(cfg.jsonOutput, map[string]any{"checkpoints": entries}, "")
			}

			for _, cp := range checkpoints {
				fmt.Printf("checkpoint %d [%d, %d]: %s\n", cp.ID, cp.StartConversationID, cp.EndConversationID, cp.Summary)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum checkpoints to list (0 = no limit)")
	return cmd
}
