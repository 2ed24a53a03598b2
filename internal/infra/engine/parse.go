package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tutu-network/docreview/internal/domain"
)

// ─── stream-json wire shapes ────────────────────────────────────────────────
// Only the fields the converter reads are declared. Everything else in the
// line is ignored, so new engine fields never break parsing.

type streamLine struct {
	Type            string                    `json:"type"`
	Subtype         string                    `json:"subtype"`
	ParentToolUseID *string                   `json:"parent_tool_use_id"`
	Message         *streamMessage            `json:"message"`
	IsError         bool                      `json:"is_error"`
	Result          string                    `json:"result"`
	TotalCostUSD    float64                   `json:"total_cost_usd"`
	DurationMS      int64                     `json:"duration_ms"`
	NumTurns        int                       `json:"num_turns"`
	Usage           *wireUsage                `json:"usage"`
	ModelUsage      map[string]wireModelUsage `json:"modelUsage"`
	Errors          []string                  `json:"errors"`
}

type streamMessage struct {
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
	Usage   *wireUsage     `json:"usage"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
}

type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

type wireModelUsage struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
}

type delegationInput struct {
	SubagentType string `json:"subagent_type"`
	Description  string `json:"description"`
}

type toolInput struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
	Pattern  string `json:"pattern"`
}

func (u *wireUsage) tokens() domain.TokenUsage {
	if u == nil {
		return domain.TokenUsage{}
	}
	return domain.TokenUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
	}
}

// Tool names the engine uses for delegating to a subtask.
var delegationTools = map[string]bool{"Task": true, "Agent": true}

// ParseLine converts one stream-json line into zero or more engine
// messages. Lines of unknown type yield no messages and no error. For an
// assistant turn the usage report comes before the content it paid for.
func ParseLine(line []byte) ([]domain.EngineMessage, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, fmt.Errorf("parse stream line: %w", err)
	}

	parent := ""
	if sl.ParentToolUseID != nil {
		parent = *sl.ParentToolUseID
	}

	switch sl.Type {
	case "assistant":
		return convertAssistant(sl.Message, parent), nil
	case "user":
		return convertUser(sl.Message, parent), nil
	case "result":
		return []domain.EngineMessage{convertResult(&sl)}, nil
	default:
		return nil, nil
	}
}

func convertAssistant(m *streamMessage, parent string) []domain.EngineMessage {
	if m == nil {
		return nil
	}
	var out []domain.EngineMessage
	if u := m.Usage.tokens(); !u.IsZero() {
		out = append(out, domain.UsageReport{ParentID: parent, Model: m.Model, Usage: u})
	}
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			if parent == "" && b.Text != "" {
				out = append(out, domain.ControllerText{Text: b.Text})
			}
		case "tool_use":
			if parent == "" && delegationTools[b.Name] {
				var in delegationInput
				_ = json.Unmarshal(b.Input, &in)
				out = append(out, domain.Delegation{
					CorrelationID: b.ID,
					Kind:          in.SubagentType,
					Description:   in.Description,
				})
				continue
			}
			var in toolInput
			_ = json.Unmarshal(b.Input, &in)
			path := in.FilePath
			if path == "" {
				path = in.Path
			}
			out = append(out, domain.ToolInvocation{
				ParentID: parent,
				Tool:     b.Name,
				Path:     path,
				Pattern:  in.Pattern,
			})
		}
	}
	return out
}

// convertUser picks out tool results delivered to the controller. Results
// inside a subtask belong to that subtask's own tools and are dropped.
func convertUser(m *streamMessage, parent string) []domain.EngineMessage {
	if m == nil || parent != "" {
		return nil
	}
	var out []domain.EngineMessage
	for _, b := range m.Content {
		if b.Type == "tool_result" && b.ToolUseID != "" {
			out = append(out, domain.ResultDelivery{CorrelationID: b.ToolUseID, IsError: b.IsError})
		}
	}
	return out
}

func convertResult(sl *streamLine) domain.EngineMessage {
	if sl.Subtype != "success" || sl.IsError {
		msg := sl.Result
		if msg == "" && len(sl.Errors) > 0 {
			msg = sl.Errors[0]
		}
		if msg == "" {
			msg = "engine reported " + sl.Subtype
		}
		return domain.TerminalFailure{Reason: sl.Subtype, Message: msg}
	}

	models := make([]domain.ModelUsage, 0, len(sl.ModelUsage))
	for name, mu := range sl.ModelUsage {
		models = append(models, domain.ModelUsage{
			Model: name,
			Usage: domain.TokenUsage{
				InputTokens:              mu.InputTokens,
				OutputTokens:             mu.OutputTokens,
				CacheReadInputTokens:     mu.CacheReadInputTokens,
				CacheCreationInputTokens: mu.CacheCreationInputTokens,
			},
			CostUSD: mu.CostUSD,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Model < models[j].Model })

	return domain.TerminalSuccess{
		Result:     sl.Result,
		Usage:      sl.Usage.tokens(),
		CostUSD:    sl.TotalCostUSD,
		DurationMS: sl.DurationMS,
		NumTurns:   sl.NumTurns,
		Models:     models,
	}
}
