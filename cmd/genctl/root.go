package main

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/app"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

func newRootCommand() *cobra.Command {
	var verbose bool
	ctx := newCommandContext(&verbose)

	rootCmd := &cobra.Command{
		Use:           "genctl",
		Short:         "Operate the content generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.logger().Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level to stderr")

	rootCmd.AddCommand(newRequestsCommand(ctx))
	rootCmd.AddCommand(newDeadLettersCommand(ctx))
	rootCmd.AddCommand(newCorpusCommand(ctx))
	return rootCmd
}

type commandContext struct {
	verbose *bool

	logOnce sync.Once
	log     *logger.Logger
}

func newCommandContext(verbose *bool) *commandContext {
	return &commandContext{verbose: verbose}
}

// logger writes to stderr; "test" mode keeps it to warnings unless -v.
func (c *commandContext) logger() *logger.Logger {
	c.logOnce.Do(func() {
		mode := "test"
		if c.verbose != nil && *c.verbose {
			mode = "development"
		}
		log, err := logger.New(mode)
		if err != nil {
			log = logger.Nop()
		}
		c.log = log
	})
	return c.log
}

// openControl connects to the store and queue. Callers own Close.
func (c *commandContext) openControl(cmd *cobra.Command) (*app.Control, error) {
	return app.OpenControl(cmd.Context(), c.logger())
}
