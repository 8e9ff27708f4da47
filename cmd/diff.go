package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codementor/host/internal/diff"
)

func newDiffCmd() *cobra.Command {
	var (
		format  string
		unified bool
		out     string
	)
	cmd := &cobra.Command{
		Use:   "diff <original> <modified>",
		Short: "Show a line diff of two files",
		Long: `Diff compares two files line by line and prints every line tagged as
added, removed or unchanged, the same view the host shows for suggested edits.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			original, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			modified, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			if unified {
				text, err := diff.Unified(string(original), string(modified), args[0], args[1])
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), text)
				return err
			}

			r := &diff.AnnotatedRenderer{Format: diff.Format(format), Path: out}
			switch r.Format {
			case diff.FormatText, diff.FormatHTML:
			default:
				return fmt.Errorf("invalid --format %q (must be text or html)", format)
			}
			if out == "" {
				r.Out = cmd.OutOrStdout()
			}
			return r.Render(cmd.Context(), diff.View{
				Path:     args[0],
				Original: string(original),
				Modified: string(modified),
				Result:   diff.Compute(string(original), string(modified)),
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(diff.FormatText), "Output format: text or html")
	cmd.Flags().BoolVar(&unified, "unified", false, "Print a unified diff instead")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Write the view to this file instead of stdout")
	return cmd
}
