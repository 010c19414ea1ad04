// Command medcored runs the medical report analysis daemon: report upload and
// analysis, patient-scoped retrieval, doctor review workflow, and forecasting
// over local Ollama models.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "medcored",
	Short:   "Medical report analysis daemon",
	Version: version,
}

func main() {
	rootCmd.AddCommand(serveCmd, statusCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
