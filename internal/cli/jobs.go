package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"convoscore/internal/jobs"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain evaluation jobs",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsGetCmd())
	cmd.AddCommand(jobsRequeueCmd())
	cmd.AddCommand(jobsDeleteCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
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

			list, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			filter, _ := cmd.Flags().GetString("status")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tFILE\tRETRIES\tCREATED")
			for _, job := range list {
				if filter != "" && string(job.Status) != filter {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					job.ID, job.Status, job.FileName, job.RetryCount,
					job.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, api_error)")
	return cmd
}

func jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print the full job record as JSON",
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
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

// jobsRequeueCmd is the operator escape hatch for jobs stuck in
// processing, e.g. after the worker died between claiming and saving.
func jobsRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Reset a job to pending so the worker picks it up again",
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
			job.Requeue()
			if err := store.Save(cmd.Context(), job); err != nil {
				return fmt.Errorf("save job %s: %w", args[0], err)
			}
			fmt.Printf("job %s reset to %s\n", job.ID, jobs.StatusPending)
			return nil
		},
	}
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job record",
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

			ok, err := store.Delete(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("delete job %s: %w", args[0], err)
			}
			if !ok {
				fmt.Printf("job %s not found\n", args[0])
				return nil
			}
			fmt.Printf("job %s deleted\n", args[0])
			return nil
		},
	}
}
