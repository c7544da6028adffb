package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zylos-ai/zylos-supervisor/internal/cliio"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
)

func newControlCmd(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Enqueue, inspect, and acknowledge control items",
	}
	cmd.AddCommand(newControlEnqueueCmd(cfg))
	cmd.AddCommand(newControlGetCmd(cfg))
	cmd.AddCommand(newControlAckCmd(cfg))
	return cmd
}

func newControlEnqueueCmd(cfg *cliConfig) *cobra.Command {
	var (
		content      string
		priority     int
		requireIdle  bool
		bypassState  bool
		ackDeadline  int
		availableIn  int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert one control item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "--content is required")
			}

			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			opts := store.InsertControlOptions{Priority: priority, RequireIdle: requireIdle, BypassState: bypassState}
			now := time.Now()
			if ackDeadline > 0 {
				t := now.Add(time.Duration(ackDeadline) * time.Second)
				opts.AckDeadlineAt = &t
			}
			if availableIn > 0 {
				t := now.Add(time.Duration(availableIn) * time.Second)
				opts.AvailableAt = &t
			}

			ctrl, err := st.Controls.InsertControl(cmd.Context(), content, opts)
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, err.Error())
			}

			return cliio.Emit(cfg.jsonOutput, map[string]any{"id": ctrl.ID}, fmt.Sprintf("OK: enqueued control %d", ctrl.ID))
		},
	}

	cmd.Flags().StringVar(&content, "content", "", "Control content; __CONTROL_ID__ is substituted with the assigned id")
	cmd.Flags().IntVar(&priority, "priority", 3, "Priority 1 (highest) to 3 (lowest)")
	cmd.Flags().BoolVar(&requireIdle, "require-idle", false, "Only deliver while the agent is idle")
	cmd.Flags().BoolVar(&bypassState, "bypass-state", false, "Deliver regardless of agent state/health")
	cmd.Flags().IntVar(&ackDeadline, "ack-deadline", 0, "Seconds until this control times out if unacked (0 = none)")
	cmd.Flags().IntVar(&availableIn, "available-in", 0, "Seconds before this control becomes eligible for selection")

	return cmd
}

func newControlGetCmd(cfg *cliConfig) *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Sweep timeouts, then report one control item's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "--id is required")
			}

			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := st.Controls.ExpireTimedOutControls(cmd.Context(), time.Now()); err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInternal, err.Error())
			}

			ctrl, err := st.Controls.GetByID(cmd.Context(), id)
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeNotFound, err.Error())
			}

			return cliio.Emit(cfg.jsonOutput, map[string]any{"id": ctrl.ID, "status": ctrl.Status}, fmt.Sprintf("status=%s", ctrl.Status))
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "Control item id")
	return cmd
}

func newControlAckCmd(cfg *cliConfig) *cobra.Command {
	var id int64

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a control item (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeInvalidArgs, "--id is required")
			}

			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := st.Controls.AckControl(cmd.Context(), id, time.Now())
			if err != nil {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeNotFound, err.Error())
			}
			if !result.Found {
				return cliio.EmitErr(cfg.jsonOutput, cliio.CodeNotFound, fmt.Sprintf("control %d not found", id))
			}

			return cliio.Emit(cfg.jsonOutput,
				map[string]any{"id": id, "status": result.Status, "already_final": result.AlreadyFinal},
				fmt.Sprintf("OK: control %d status=%s", id, result.Status),
			)
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "Control item id")
	return cmd
}
