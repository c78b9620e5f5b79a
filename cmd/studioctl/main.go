// Command studioctl drives builds against the build service from a terminal.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/logging"
	"github.com/bizmatters/agent-builder/app-studio/internal/orchestration"
)

var (
	buildServiceURL string
	userID          string
	projectID       string
	jsonOutput      bool
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "studioctl",
	Short: "Drive app builds against the build service",
	Long: `studioctl submits prompts to the build service, follows the build
event stream and prints progress as it is reduced. It talks to the build
service directly and does not need the gateway.`,
	SilenceUsage: true,
}

func init() {
	defaultURL := os.Getenv("BUILD_SERVICE_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVar(&buildServiceURL, "build-service-url", defaultURL, "Build service base URL")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "studioctl", "User id sent with build requests")
	rootCmd.PersistentFlags().StringVar(&projectID, "project", "", "Project id (a fresh one is generated if unset)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print snapshots as JSON lines")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger logs warnings only unless --verbose is set
func newLogger() (*zap.Logger, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.New(level)
}

func newClient(logger *zap.Logger) *orchestration.BuildClient {
	return orchestration.NewBuildClient(strings.TrimRight(buildServiceURL, "/"), logger)
}

func printJSON(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

func percentBar(percent float64) string {
	const width = 20
	filled := int(percent / 100 * width)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}
