package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Print a review's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		id, err := resolveID(cmd.Context(), c, args[0])
		if err != nil {
			return err
		}
		s, err := c.Status(cmd.Context(), id)
		if err != nil {
			return err
		}
		if s.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", statusText(s.Status), s.Error)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), statusText(s.Status))
		return nil
	},
}
