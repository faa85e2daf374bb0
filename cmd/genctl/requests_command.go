package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/requests"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
)

const stampLayout = "2006-01-02 15:04:05"

func newRequestsCommand(ctx *commandContext) *cobra.Command {
	requestsCmd := &cobra.Command{
		Use:     "requests",
		Aliases: []string{"req"},
		Short:   "Inspect and steer generation requests",
	}

	requestsCmd.AddCommand(newRequestsListCommand(ctx))
	requestsCmd.AddCommand(newRequestsGetCommand(ctx))
	requestsCmd.AddCommand(newRequestsCancelCommand(ctx))
	requestsCmd.AddCommand(newRequestsRequeueCommand(ctx))

	return requestsCmd
}

func newRequestsListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(statusFlag)
			if err != nil {
				return err
			}
			ctl, err := ctx.openControl(cmd)
			if err != nil {
				return err
			}
			defer ctl.Close()
			rows, err := ctl.Generation.List(dbctx.Context{Ctx: cmd.Context()}, requests.ListFilter{Statuses: statuses, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			printRequestTable(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Comma-separated statuses to include")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newRequestsGetCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			ctl, err := ctx.openControl(cmd)
			if err != nil {
				return err
			}
			defer ctl.Close()
			req, err := ctl.Generation.Get(dbctx.Context{Ctx: cmd.Context()}, id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, req.View())
			}
			printRequest(cmd.OutOrStdout(), req)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status view as JSON")
	return cmd
}

func newRequestsCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Ask the pipeline to cancel a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			ctl, err := ctx.openControl(cmd)
			if err != nil {
				return err
			}
			defer ctl.Close()
			view, err := ctl.Generation.Cancel(dbctx.Context{Ctx: cmd.Context()}, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s (status %s)\n", view.ID, view.Status)
			return nil
		},
	}
}

func newRequestsRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Publish a fresh message for a request that is not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			ctl, err := ctx.openControl(cmd)
			if err != nil {
				return err
			}
			defer ctl.Close()
			if err := ctl.Generation.Requeue(dbctx.Context{Ctx: cmd.Context()}, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
			return nil
		},
	}
}

func parseRequestID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid request id %q: %w", raw, err)
	}
	return id, nil
}

func parseStatuses(raw string) ([]generation.Status, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []generation.Status
	for _, part := range strings.Split(raw, ",") {
		st, err := generation.ParseStatus(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func printRequestTable(out io.Writer, rows []*generation.GenerationRequest) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No requests")
		return
	}
	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, []string{
			r.ID.String(),
			string(r.Status),
			strconv.Itoa(r.GradeLevel),
			strconv.Itoa(r.AttemptCount),
			truncate(r.LearnerQuery, 40),
			formatStamp(r.UpdatedAt),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Status", "Grade", "Attempts", "Query", "Updated"},
		table,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func printRequest(out io.Writer, r *generation.GenerationRequest) {
	fmt.Fprintf(out, "ID:        %s\n", r.ID)
	fmt.Fprintf(out, "Status:    %s\n", r.Status)
	fmt.Fprintf(out, "Grade:     %d\n", r.GradeLevel)
	fmt.Fprintf(out, "Query:     %s\n", r.LearnerQuery)
	if interests := r.Interests(); len(interests) > 0 {
		fmt.Fprintf(out, "Interests: %s\n", strings.Join(interests, ", "))
	}
	if r.Topic != "" {
		fmt.Fprintf(out, "Topic:     %s\n", r.Topic)
	}
	fmt.Fprintf(out, "Attempts:  %d\n", r.AttemptCount)
	fmt.Fprintf(out, "Created:   %s\n", formatStamp(r.CreatedAt))
	fmt.Fprintf(out, "Updated:   %s\n", formatStamp(r.UpdatedAt))
	if r.ClaimedBy != "" {
		fmt.Fprintf(out, "Leased by: %s\n", r.ClaimedBy)
	}
	if r.CancelRequested() {
		fmt.Fprintln(out, "Cancel:    requested")
	}

	view := r.View()
	if view.Clarification != nil {
		fmt.Fprintln(out, "Clarification questions:")
		for _, q := range view.Clarification.Questions {
			fmt.Fprintf(out, "  - %s\n", q)
		}
	}
	if view.Artifacts != nil {
		if view.Artifacts.AudioRef != "" {
			fmt.Fprintf(out, "Audio:     %s\n", view.Artifacts.AudioRef)
		}
		if view.Artifacts.Video != "" {
			fmt.Fprintf(out, "Video:     %s\n", view.Artifacts.Video)
		}
	}
	if view.Error != nil {
		fmt.Fprintf(out, "Error:     %s (%s", view.Error.Message, view.Error.Kind)
		if view.Error.Stage != "" {
			fmt.Fprintf(out, " at %s", view.Error.Stage)
		}
		fmt.Fprintln(out, ")")
	}
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format(stampLayout)
}
