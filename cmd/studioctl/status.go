package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/app-studio/internal/orchestration"
)

var (
	pollInterval    time.Duration
	pollMaxAttempts int
)

var statusCmd = &cobra.Command{
	Use:   "status <build-id>",
	Short: "Poll a build until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		st, err := newClient(logger).PollBuildStatus(cmd.Context(), args[0], orchestration.PollConfig{
			Interval:    pollInterval,
			MaxAttempts: pollMaxAttempts,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, st)
		}
		fmt.Fprintf(out, "build %s: %s\n", st.BuildID, st.Status)
		if st.PreviewURL != "" {
			fmt.Fprintf(out, "preview: %s\n", st.PreviewURL)
		}
		if st.Error != "" {
			fmt.Fprintf(out, "error: %s\n", st.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&pollInterval, "interval", orchestration.DefaultPollConfig.Interval, "Delay between status polls")
	statusCmd.Flags().IntVar(&pollMaxAttempts, "max-attempts", orchestration.DefaultPollConfig.MaxAttempts, "Polls before giving up")
}
