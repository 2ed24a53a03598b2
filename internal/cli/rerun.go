package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/docreview/internal/domain"
)

func init() {
	rerunCmd.Flags().BoolVarP(&rerunWatch, "watch", "w", false, "Follow progress until the review finishes")
	rootCmd.AddCommand(rerunCmd)
}

var rerunWatch bool

var rerunCmd = &cobra.Command{
	Use:   "rerun ID",
	Short: "Run a finished review again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		id, err := resolveID(cmd.Context(), c, args[0])
		if err != nil {
			return err
		}
		job, err := c.Rerun(cmd.Context(), id)
		if errors.Is(err, domain.ErrJobRunning) {
			return fmt.Errorf("review %s is still running", shortID(id))
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, statusText(job.Status))
		return watchAfter(cmd, c, job, rerunWatch)
	},
}
