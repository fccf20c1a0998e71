package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/kanbanforge/internal/logging"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "kanbanforge",
		Short:   "Task-attempt execution engine for AI coding agents",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newProjectCmd(),
		newTaskCmd(),
		newAttemptCmd(),
		newMaintenanceCmd(),
	)

	if err := root.Execute(); err != nil {
		logging.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
