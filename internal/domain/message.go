package domain

// ─── Engine Messages ────────────────────────────────────────────────────────
// The execution engine's raw stream is converted at the adapter boundary
// into this closed set. Nothing past the adapter sees the raw shape.

// EngineMessage is implemented only by the types in this file.
type EngineMessage interface {
	engineMessage()
}

// ControllerText is a text block written by the top-level controller.
type ControllerText struct {
	Text string
}

// Delegation is the controller launching a subtask.
type Delegation struct {
	CorrelationID string
	Kind          string
	Description   string
}

// ToolInvocation is a tool call made inside a delegated subtask.
// ParentID is the correlation id of the owning subtask; it is empty for
// tool calls made by the controller itself.
type ToolInvocation struct {
	ParentID string
	Tool     string
	Path     string
	Pattern  string
}

// ResultDelivery reports that a delegated subtask returned.
type ResultDelivery struct {
	CorrelationID string
	IsError       bool
}

// UsageReport carries the token usage of one engine turn.
// ParentID is empty for controller turns.
type UsageReport struct {
	ParentID string
	Model    string
	Usage    TokenUsage
}

// TerminalSuccess is the engine's final message on success.
type TerminalSuccess struct {
	Result     string
	Usage      TokenUsage
	CostUSD    float64
	DurationMS int64
	NumTurns   int
	Models     []ModelUsage
}

// TerminalFailure is the engine's final message on failure.
type TerminalFailure struct {
	Reason  string
	Message string
}

func (ControllerText) engineMessage()  {}
func (Delegation) engineMessage()      {}
func (ToolInvocation) engineMessage()  {}
func (ResultDelivery) engineMessage()  {}
func (UsageReport) engineMessage()     {}
func (TerminalSuccess) engineMessage() {}
func (TerminalFailure) engineMessage() {}

// Subtask kinds the review controller delegates to.
const (
	KindCodebaseSearch = "codebase-search"
	KindDeepAnalysis   = "deep-analysis"
	KindController     = "controller"
)

// Tools whose calls surface as activity events.
const (
	ToolRead = "Read"
	ToolGrep = "Grep"
	ToolGlob = "Glob"
)

// MessageKind returns a short label for m, used in logs and metrics.
func MessageKind(m EngineMessage) string {
	switch m.(type) {
	case ControllerText:
		return "text"
	case Delegation:
		return "delegation"
	case ToolInvocation:
		return "tool"
	case ResultDelivery:
		return "result"
	case UsageReport:
		return "usage"
	case TerminalSuccess:
		return "success"
	case TerminalFailure:
		return "failure"
	default:
		return "unknown"
	}
}
