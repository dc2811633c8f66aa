package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd builds the icap-gateway command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "icap-gateway",
		Short: "bidirectional ICAP REQMOD adaptation gateway",
	}

	cmd.AddCommand(ServeCommand())
	return cmd
}
