package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired job records",
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

			n, err := store.SweepExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("removed %d expired job(s)\n", n)
			return nil
		},
	}
}
