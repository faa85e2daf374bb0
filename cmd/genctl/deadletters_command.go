package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
)

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	deadCmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect requests that exhausted their redeliveries",
	}
	deadCmd.AddCommand(newDeadLettersListCommand(ctx))
	return deadCmd
}

func newDeadLettersListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := ctx.openControl(cmd)
			if err != nil {
				return err
			}
			defer ctl.Close()
			rows, err := ctl.Generation.ListDeadLetters(dbctx.Context{Ctx: cmd.Context()}, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			printDeadLetters(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printDeadLetters(out io.Writer, rows []*generation.DeadLetter) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No dead letters")
		return
	}
	table := make([][]string, 0, len(rows))
	for _, d := range rows {
		table = append(table, []string{
			d.RequestID.String(),
			string(d.LastStage),
			strconv.Itoa(d.AttemptCount),
			strconv.Itoa(d.DeliveryCount),
			string(d.ErrorKind),
			truncate(d.Error, 48),
			formatStamp(d.CreatedAt),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Request", "Stage", "Attempts", "Deliveries", "Kind", "Error", "Created"},
		table,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
	))
}
