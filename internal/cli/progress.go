package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tutu-network/docreview/internal/client"
	"github.com/tutu-network/docreview/internal/domain"
)

// ─── Progress View ──────────────────────────────────────────────────────────
// Renders a watched review on a terminal. Phase and subagent changes are
// printed as lines; the bar is redrawn in place:
//   [=============>................]  43% | Searching | 12,345 tok | $0.04 | ETA 35s

const barWidth = 30 // Characters for the progress bar

type progressView struct {
	w       io.Writer
	started time.Time
	now     func() time.Time

	phase     domain.Phase
	subagents map[string]domain.SubtaskStatus
	drawn     bool // a bar line is on screen
}

func newProgressView(w io.Writer) *progressView {
	return &progressView{
		w:         w,
		started:   time.Now(),
		now:       time.Now,
		subagents: make(map[string]domain.SubtaskStatus),
	}
}

// update is the watcher's OnUpdate callback.
func (p *progressView) update(s client.State) {
	if ap, ok := s.ActivePhase(); ok && ap.Phase != p.phase {
		p.clearLine()
		fmt.Fprintf(p.w, "%s %s\n", runColor.Sprint("[phase]"), phaseLabel(ap))
		p.phase = ap.Phase
	}

	for _, sa := range s.Subagents {
		key := sa.Kind + "\x00" + sa.Description
		if prev, seen := p.subagents[key]; seen && prev == sa.Status {
			continue
		}
		p.subagents[key] = sa.Status
		p.clearLine()
		marker := dimColor.Sprint("  [...]")
		if sa.Status == domain.SubtaskCompleted {
			marker = okColor.Sprint("  [ok] ")
		}
		fmt.Fprintf(p.w, "%s %s: %s\n", marker, sa.Kind, sa.Description)
	}

	if s.Done() {
		return
	}
	p.renderBar(s)
}

// fallback is the watcher's OnFallback callback.
func (p *progressView) fallback(reason error) {
	p.clearLine()
	fmt.Fprintf(p.w, "%s live stream unavailable (%v), polling for status\n", dimColor.Sprint("[poll]"), reason)
}

// finish prints the terminal line for o.
func (p *progressView) finish(o client.Outcome) {
	p.clearLine()
	elapsed := p.now().Sub(p.started).Round(time.Second)
	if o.Status == domain.JobCompleted {
		fmt.Fprintf(p.w, "%s review completed in %s\n", okColor.Sprint("[done]"), elapsed)
		return
	}
	msg := o.Error
	if msg == "" {
		msg = "unknown error"
	}
	fmt.Fprintf(p.w, "%s review failed: %s\n", failColor.Sprint("[fail]"), msg)
}

func (p *progressView) renderBar(s client.State) {
	pct := min(max(s.Percent, 0), 100)

	// Build the bar: [=======>............]
	filled := min(pct*barWidth/100, barWidth)
	empty := barWidth - filled

	var bar string
	if filled == barWidth {
		bar = strings.Repeat("=", filled)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty)
	} else {
		bar = strings.Repeat(".", barWidth)
	}

	parts := []string{fmt.Sprintf("[%s] %3d%%", bar, pct)}
	if s.Message != "" {
		parts = append(parts, s.Message)
	}
	if s.Usage != nil {
		parts = append(parts, tokensText(tokenTotal(s.Usage.Session)), fmt.Sprintf("$%.2f", s.Usage.CostUSD))
	}
	parts = append(parts, p.eta(pct))

	p.clearLine()
	fmt.Fprintf(p.w, "  %s", strings.Join(parts, " | "))
	p.drawn = true
}

func (p *progressView) eta(pct int) string {
	if pct <= 0 || pct >= 100 {
		return "ETA --"
	}

	elapsed := p.now().Sub(p.started).Seconds()
	if elapsed < 1 {
		return "ETA --"
	}

	totalEstimated := elapsed / (float64(pct) / 100)
	remaining := max(totalEstimated-elapsed, 0)

	if remaining < 60 {
		return fmt.Sprintf("ETA %ds", int(remaining))
	}
	if remaining < 3600 {
		return fmt.Sprintf("ETA %dm%ds", int(remaining)/60, int(remaining)%60)
	}
	return fmt.Sprintf("ETA %dh%dm", int(remaining)/3600, (int(remaining)%3600)/60)
}

func (p *progressView) clearLine() {
	if !p.drawn {
		return
	}
	fmt.Fprint(p.w, "\r\033[K")
	p.drawn = false
}

func phaseLabel(ps client.PhaseState) string {
	if ps.Message != "" {
		return ps.Message
	}
	return string(ps.Phase)
}
