package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/app-studio/internal/session"
	"github.com/bizmatters/agent-builder/app-studio/internal/workflow"
)

var pacing time.Duration

var workflowCmd = &cobra.Command{
	Use:   "workflow <prompt>",
	Short: "Run the design, plan, backend and frontend pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		target := projectID
		if target == "" {
			target = uuid.New().String()
		}

		client := newClient(logger)
		manager := session.NewManager(client, session.WithLogger(logger))
		frontend := workflow.StreamSpec{
			Starter: manager,
			Request: func(in workflow.Input) session.Request {
				return session.Request{
					Target:      in.Target,
					Mode:        session.ModeGenerate,
					Prompt:      in.Prompt,
					ProjectID:   in.Target,
					UserID:      userID,
					Credentials: credentialPairs,
				}
			},
		}

		out := cmd.OutOrStdout()
		coord := workflow.New(workflow.Config{
			Pacing:   pacing,
			Logger:   logger,
			Observer: workflow.ObserverFunc(func(st workflow.State) { printWorkflow(out, st) }),
		}, workflow.DefaultPipeline(client, frontend))

		final, err := coord.Run(ctx, strings.Join(args, " "), target)
		if errors.Is(err, workflow.ErrCancelled) {
			return fmt.Errorf("workflow %s: %w", final.ID, err)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.Flags().DurationVar(&pacing, "pacing", 500*time.Millisecond, "Delay between pipeline steps")
	workflowCmd.Flags().StringToStringVar(&credentialPairs, "credential", nil, "Credential passed to the build service (key=value, repeatable)")
}

func printWorkflow(w io.Writer, st workflow.State) {
	if jsonOutput {
		_ = printJSON(w, st)
		return
	}

	current := ""
	for _, step := range st.Steps {
		if step.Status == workflow.StepActive {
			current = fmt.Sprintf("%s: %s", step.Name, step.Message)
			break
		}
	}

	switch st.Status {
	case workflow.StatusFailed:
		fmt.Fprintf(w, "%s failed at %s: %s\n", percentBar(st.Progress), st.FailedStep, st.Error)
	case workflow.StatusCompleted, workflow.StatusCancelled:
		fmt.Fprintf(w, "%s %s\n", percentBar(st.Progress), st.Status)
	default:
		fmt.Fprintf(w, "%s %s\n", percentBar(st.Progress), current)
	}
}
