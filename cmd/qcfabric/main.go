// qcfabric is the computation server: it stores records, hands tasks to
// compute managers and iterates long-running services.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes
const (
	exitOK          = 0
	exitConfigError = 1
	exitDBError     = 2
	exitShutdown    = 3
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitConfigError)
	}
}

// exitError carries a process exit code alongside the cause
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "qcfabric",
		Short:         "Quantum chemistry computation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to qcfabric.yaml")

	root.AddCommand(newServerCmd(&configPath))
	return root
}
