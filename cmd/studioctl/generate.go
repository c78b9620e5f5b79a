package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
	"github.com/bizmatters/agent-builder/app-studio/internal/session"
)

var (
	modify          bool
	credentialPairs map[string]string
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Stream a generation (or modification) build and print progress",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mode := session.ModeGenerate
		if modify {
			mode = session.ModeModify
		}
		target := projectID
		if target == "" {
			target = uuid.New().String()
		}

		manager := session.NewManager(newClient(logger), session.WithLogger(logger))
		req := session.Request{
			Target:      target,
			Mode:        mode,
			Prompt:      strings.Join(args, " "),
			ProjectID:   target,
			UserID:      userID,
			Credentials: credentialPairs,
		}

		out := cmd.OutOrStdout()
		sess, err := manager.Start(ctx, req, session.ObserverFunc(func(st progress.State) {
			printSnapshot(out, st)
		}))
		if err != nil {
			return fmt.Errorf("start build: %w", err)
		}

		<-sess.Done()
		final := sess.Snapshot()
		switch final.Status {
		case progress.StatusCompleted:
			return nil
		case progress.StatusCancelled:
			return context.Canceled
		default:
			return fmt.Errorf("build %s: %s", final.Status, final.LastError)
		}
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().BoolVar(&modify, "modify", false, "Modify the existing app instead of generating a new one")
	generateCmd.Flags().StringToStringVar(&credentialPairs, "credential", nil, "Credential passed to the build service (key=value, repeatable)")
}

func printSnapshot(w io.Writer, st progress.State) {
	if jsonOutput {
		_ = printJSON(w, st)
		return
	}

	switch st.Status {
	case progress.StatusCompleted:
		fmt.Fprintf(w, "%s completed", percentBar(st.Percent))
		if st.Result != nil && st.Result.PreviewURL != "" {
			fmt.Fprintf(w, ", preview: %s", st.Result.PreviewURL)
		}
		fmt.Fprintln(w)
	case progress.StatusFailed:
		fmt.Fprintf(w, "%s failed: %s\n", percentBar(st.Percent), st.LastError)
	case progress.StatusCancelled:
		fmt.Fprintf(w, "%s cancelled\n", percentBar(st.Percent))
	default:
		line := st.Message
		if st.Phase != "" {
			line = fmt.Sprintf("%s: %s", st.Phase, st.Message)
		}
		fmt.Fprintf(w, "%s %s\n", percentBar(st.Percent), line)
	}
}
