package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tutu-network/docreview/internal/client"
)

func init() {
	submitCmd.Flags().StringArrayVarP(&submitRepos, "repo", "r", nil, "Repository directory to review against (repeatable)")
	submitCmd.Flags().StringArrayVarP(&submitSupp, "context", "c", nil, "Supplementary document (repeatable)")
	submitCmd.Flags().StringVarP(&submitTitle, "title", "t", "", "Review title (default: document file name)")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "Follow progress until the review finishes")
	rootCmd.AddCommand(submitCmd)
}

var (
	submitRepos []string
	submitSupp  []string
	submitTitle string
	submitWatch bool
)

var submitCmd = &cobra.Command{
	Use:   "submit DOCUMENT --repo DIR [--repo DIR...]",
	Short: "Submit a document for review",
	Long: `Submit a design document (.md, .txt, .pdf, .docx) for review against one
or more repositories. Paths are resolved locally and sent as absolute
paths, so the server must share this machine's filesystem.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	doc, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	req := client.SubmitRequest{
		Title:        submitTitle,
		DocumentPath: doc,
	}
	for _, r := range submitRepos {
		abs, err := filepath.Abs(r)
		if err != nil {
			return err
		}
		req.RepoPaths = append(req.RepoPaths, abs)
	}
	for _, s := range submitSupp {
		abs, err := filepath.Abs(s)
		if err != nil {
			return err
		}
		req.SupplementaryPaths = append(req.SupplementaryPaths, abs)
	}

	c := newClient()
	job, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", job.ID)
	return watchAfter(cmd, c, job, submitWatch)
}
