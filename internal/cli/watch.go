package cli

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/docreview/internal/client"
	"github.com/tutu-network/docreview/internal/domain"
)

func init() {
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 0, "Status poll interval once the live stream is abandoned")
	rootCmd.AddCommand(watchCmd)
}

var watchPoll time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch ID",
	Short: "Follow a review's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		id, err := resolveID(cmd.Context(), c, args[0])
		if err != nil {
			return err
		}
		return watchJob(cmd, c, id)
	},
}

// watchJob renders id's progress until it is terminal. A failed review is
// reported as an error so the exit status reflects it.
func watchJob(cmd *cobra.Command, c *client.Client, id string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	view := newProgressView(cmd.ErrOrStderr())
	w := client.NewWatcher(c, client.WatcherConfig{PollInterval: watchPoll})
	w.OnUpdate = view.update
	w.OnFallback = view.fallback

	out, err := w.Run(ctx, id)
	if err != nil {
		view.clearLine()
		if ctx.Err() != nil && cmd.Context().Err() == nil {
			return fmt.Errorf("stopped watching %s (the review keeps running)", shortID(id))
		}
		return err
	}
	view.finish(out)
	if out.Status == domain.JobError {
		return fmt.Errorf("review %s failed", shortID(id))
	}
	return nil
}

// watchAfter is used by submit and rerun when --watch is set.
func watchAfter(cmd *cobra.Command, c *client.Client, job *domain.Job, watch bool) error {
	if !watch {
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	return watchJob(cmd, c, job.ID)
}
