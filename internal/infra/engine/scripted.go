package engine

import (
	"context"
	"time"

	"github.com/tutu-network/docreview/internal/domain"
)

// ─── Scripted Engine (demo mode and tests) ──────────────────────────────────

// Step is one scripted engine message, sent after Delay.
type Step struct {
	Delay   time.Duration
	Message domain.EngineMessage
}

// Scripted replays a fixed message sequence. It needs no external binary,
// which makes it the demo engine and the test double for the runner.
type Scripted struct {
	steps    []Step
	StartErr error // returned by Run when set
}

// NewScripted creates an engine replaying steps. A script without a
// terminal message ends like a crashed engine: with a no_result failure.
func NewScripted(steps []Step) *Scripted {
	return &Scripted{steps: steps}
}

// Run replays the script. The context stops the replay early.
func (s *Scripted) Run(ctx context.Context, req domain.EngineRequest) (<-chan domain.EngineMessage, error) {
	if s.StartErr != nil {
		return nil, s.StartErr
	}

	ch := make(chan domain.EngineMessage, 16)
	go func() {
		defer close(ch)
		for _, step := range s.steps {
			if step.Delay > 0 {
				t := time.NewTimer(step.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			select {
			case ch <- step.Message:
			case <-ctx.Done():
				return
			}
			switch step.Message.(type) {
			case domain.TerminalSuccess, domain.TerminalFailure:
				return
			}
		}
		select {
		case ch <- domain.TerminalFailure{Reason: "no_result", Message: domain.ErrEngineNoResult.Error()}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// DemoScript is a plausible review: three codebase searches, one deep
// analysis, then the written review. pace spaces the messages out.
func DemoScript(pace time.Duration) []Step {
	const model = "claude-sonnet-4-5"
	const fast = "claude-haiku-4-5"
	usage := func(parent, m string, in, out int64) domain.EngineMessage {
		return domain.UsageReport{ParentID: parent, Model: m, Usage: domain.TokenUsage{
			InputTokens:          in,
			OutputTokens:         out,
			CacheReadInputTokens: in / 2,
		}}
	}

	var steps []Step
	add := func(m domain.EngineMessage) { steps = append(steps, Step{Delay: pace, Message: m}) }

	add(usage("", model, 4200, 180))
	add(domain.ControllerText{Text: "I'll start by locating the code the document describes."})
	searches := []struct{ id, desc, path, pattern string }{
		{"demo-search-1", "Find the HTTP handlers", "internal/api/server.go", "func .*Handler"},
		{"demo-search-2", "Find the persistence layer", "internal/store/store.go", "CREATE TABLE"},
		{"demo-search-3", "Find configuration loading", "internal/config/config.go", "**/*.toml"},
	}
	for _, s := range searches {
		add(domain.Delegation{CorrelationID: s.id, Kind: domain.KindCodebaseSearch, Description: s.desc})
	}
	for _, s := range searches {
		add(usage(s.id, fast, 1800, 90))
		add(domain.ToolInvocation{ParentID: s.id, Tool: domain.ToolGlob, Pattern: "**/*.go"})
		add(domain.ToolInvocation{ParentID: s.id, Tool: domain.ToolGrep, Pattern: s.pattern})
		add(domain.ToolInvocation{ParentID: s.id, Tool: domain.ToolRead, Path: s.path})
	}
	for _, s := range searches {
		add(domain.ResultDelivery{CorrelationID: s.id})
	}
	add(usage("", model, 9000, 240))
	add(domain.Delegation{CorrelationID: "demo-analysis", Kind: domain.KindDeepAnalysis, Description: "Compare the document against the code"})
	add(usage("demo-analysis", model, 12000, 1500))
	add(domain.ToolInvocation{ParentID: "demo-analysis", Tool: domain.ToolRead, Path: "internal/api/server.go"})
	add(domain.ResultDelivery{CorrelationID: "demo-analysis"})
	add(usage("", model, 15000, 2200))
	add(domain.ControllerText{Text: "## Review\n\nThe document matches the code in most places."})
	add(domain.TerminalSuccess{
		Result: "## Review\n\n" +
			"The document matches the code in most places.\n\n" +
			"### Findings\n\n" +
			"- The described retry policy is not implemented in the persistence layer.\n" +
			"- Configuration keys listed in the document use different names in code.\n",
		Usage:      domain.TokenUsage{InputTokens: 48000, OutputTokens: 4480, CacheReadInputTokens: 24000},
		CostUSD:    0.21,
		DurationMS: int64(len(steps)) * pace.Milliseconds(),
		NumTurns:   12,
		Models: []domain.ModelUsage{
			{Model: fast, Usage: domain.TokenUsage{InputTokens: 5400, OutputTokens: 270}, CostUSD: 0.01},
			{Model: model, Usage: domain.TokenUsage{InputTokens: 42600, OutputTokens: 4210}, CostUSD: 0.20},
		},
	})
	return steps
}
