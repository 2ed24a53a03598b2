package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/tutu-network/docreview/internal/client"
	"github.com/tutu-network/docreview/internal/domain"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	runColor  = color.New(color.FgYellow)
	dimColor  = color.New(color.Faint)
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// statusText renders a job status with its color.
func statusText(s domain.JobStatus) string {
	switch s {
	case domain.JobCompleted:
		return okColor.Sprint(s)
	case domain.JobError:
		return failColor.Sprint(s)
	case domain.JobRunning:
		return runColor.Sprint(s)
	}
	return dimColor.Sprint(s)
}

func tokenTotal(u domain.TokenUsage) int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// costText formats a job's final cost, or "-" before it has one.
func costText(u *domain.SessionUsage) string {
	if u == nil {
		return "-"
	}
	return fmt.Sprintf("$%.2f", u.CostUSD)
}

func tokensText(n int64) string {
	return humanize.Comma(n) + " tok"
}

// shortID trims a uuid to its first group for tables.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// resolveID accepts a full job id or a unique prefix of one.
func resolveID(ctx context.Context, c *client.Client, arg string) (string, error) {
	_, err := c.Status(ctx, arg)
	if err == nil {
		return arg, nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		return "", err
	}

	jobs, lerr := c.List(ctx)
	if lerr != nil {
		return "", lerr
	}
	var matches []string
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, arg) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("review %q: %w", arg, domain.ErrJobNotFound)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("review id %q is ambiguous (%d matches)", arg, len(matches))
}
