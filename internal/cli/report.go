package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"convoscore/internal/jobs"
	"convoscore/internal/report"
)

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Write the PDF report for a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger("error")
			store, err := openStore(logger, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			job, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job %s: %w", args[0], err)
			}
			if job.Status != jobs.StatusCompleted {
				return fmt.Errorf("job %s is %s, report needs a completed job", job.ID, job.Status)
			}

			data, err := report.Render(job)
			if err != nil {
				return fmt.Errorf("render report: %w", err)
			}

			out, _ := cmd.Flags().GetString("output")
			if out == "" {
				out = job.ID + ".pdf"
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file (default: <id>.pdf)")
	return cmd
}
