package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/neolens/backend/internal/batch"
)

// runCheck prints the validity of every argument without touching the files
func runCheck(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

	valid := 0
	for _, name := range args {
		verdict := "skipped"
		if batch.IsValid(name) {
			verdict = "valid"
			valid++
		}
		fmt.Fprintf(w, "%s\t%s\n", filepath.Base(name), verdict)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d files accepted\n", valid, len(args))
	return nil
}
