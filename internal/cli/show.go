package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a review's details and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	c := newClient()
	id, err := resolveID(cmd.Context(), c, args[0])
	if err != nil {
		return err
	}
	r, err := c.Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", r.ID)
	fmt.Fprintf(out, "Title:     %s\n", r.Title)
	fmt.Fprintf(out, "Status:    %s\n", statusText(r.Status))
	fmt.Fprintf(out, "Created:   %s (%s)\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(r.CreatedAt))
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(out, "Duration:  %s\n", d.Round(time.Second))
	}
	fmt.Fprintf(out, "Repos:     %s\n", strings.Join(r.RepoPaths, ", "))
	for _, s := range r.Sources {
		fmt.Fprintf(out, "Source:    %s [%s, %s]\n", s.Path, s.Role, s.Format)
	}
	if r.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", failColor.Sprint(r.Error))
	}
	if u := r.Usage; u != nil {
		fmt.Fprintf(out, "Cost:      $%.4f (%d turns)\n", u.CostUSD, u.NumTurns)
		fmt.Fprintf(out, "Tokens:    %s in, %s out, %s cache read\n",
			humanize.Comma(u.Total.InputTokens),
			humanize.Comma(u.Total.OutputTokens),
			humanize.Comma(u.Total.CacheReadInputTokens))
		for _, st := range u.Subtasks {
			fmt.Fprintf(out, "  %-16s %-40s %s\n", st.Kind, st.Description, tokensText(tokenTotal(st.Usage)))
		}
	}
	if r.Output != "" {
		fmt.Fprintf(out, "\n%s\n", strings.TrimRight(r.Output, "\n"))
	}
	return nil
}
