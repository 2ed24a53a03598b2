package progress

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/tutu-network/docreview/internal/domain"
)

// DefaultActivityInterval is the per-subtask activity throttle window.
const DefaultActivityInterval = time.Second

// Config tunes the inferencer. Zero values fall back to defaults.
type Config struct {
	ActivityInterval time.Duration
	UsageInterval    time.Duration
	Prices           PriceTable
	Now              func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ActivityInterval: DefaultActivityInterval,
		UsageInterval:    DefaultUsageInterval,
		Prices:           DefaultPrices(),
		Now:              time.Now,
	}
}

// subtask is one delegated unit of work, keyed by correlation id.
// Records are never removed during a run.
type subtask struct {
	id          string
	kind        string
	description string
	model       string
	status      domain.SubtaskStatus
}

// Inferencer infers phase transitions and subtask lifecycle from the
// engine stream and emits normalized progress events.
type Inferencer struct {
	cfg   Config
	emit  func(domain.ProgressEvent)
	usage *Accumulator

	phase           domain.Phase
	searchTotal     int
	searchDone      int
	analysisStarted bool
	analysisDone    bool

	subtasks        map[string]*subtask
	order           []string
	limiters        map[string]*rate.Limiter
	controllerModel string

	lastPercent int
	lastMessage string
}

// NewInferencer creates an inferencer that hands every event to emit,
// in order, on the caller's goroutine.
func NewInferencer(emit func(domain.ProgressEvent), cfg Config) *Inferencer {
	if cfg.ActivityInterval <= 0 {
		cfg.ActivityInterval = DefaultActivityInterval
	}
	if cfg.Prices == (PriceTable{}) {
		cfg.Prices = DefaultPrices()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Inferencer{
		cfg:         cfg,
		emit:        emit,
		usage:       NewAccumulator(cfg.UsageInterval, cfg.Now),
		phase:       domain.PhaseUnderstanding,
		subtasks:    make(map[string]*subtask),
		limiters:    make(map[string]*rate.Limiter),
		lastPercent: -1,
	}
}

// Start announces the initial phase.
func (in *Inferencer) Start() {
	in.emit(domain.NewPhaseEvent(in.cfg.Now(), in.phase, phaseMessage(in.phase)))
	in.emitProgress()
}

// Observe consumes one engine message. Terminal messages are left to the
// caller, which reports them through Complete or Fail.
func (in *Inferencer) Observe(msg domain.EngineMessage) {
	switch m := msg.(type) {
	case domain.UsageReport:
		in.onUsage(m)
	case domain.Delegation:
		in.onDelegation(m)
	case domain.ToolInvocation:
		in.onTool(m)
	case domain.ResultDelivery:
		in.onResult(m)
	case domain.ControllerText:
		in.onControllerText()
	}
}

// Complete emits the final 100% progress followed by the completion event.
func (in *Inferencer) Complete() {
	now := in.cfg.Now()
	in.lastPercent = 100
	in.emit(domain.NewProgressEvent(now, 100, "Review complete"))
	in.emit(domain.NewCompleteEvent(now, domain.JobCompleted, ""))
}

// Fail emits the error completion event.
func (in *Inferencer) Fail(err error) {
	msg := "review failed"
	if err != nil {
		msg = err.Error()
	}
	in.emit(domain.NewCompleteEvent(in.cfg.Now(), domain.JobError, msg))
}

// Phase returns the current phase.
func (in *Inferencer) Phase() domain.Phase { return in.phase }

// SearchCounts returns completed and total codebase-search subtasks.
func (in *Inferencer) SearchCounts() (done, total int) {
	return in.searchDone, in.searchTotal
}

// Session returns the live session counters.
func (in *Inferencer) Session() domain.TokenUsage { return in.usage.Session() }

// EstimatedCost returns the live cost estimate for the session.
func (in *Inferencer) EstimatedCost() float64 {
	return in.cfg.Prices.Estimate(in.usage.Session())
}

// Subtasks returns the per-subtask usage breakdown, controller first,
// then subtasks in delegation order.
func (in *Inferencer) Subtasks() []domain.SubtaskUsage {
	out := make([]domain.SubtaskUsage, 0, len(in.order)+1)
	out = append(out, domain.SubtaskUsage{
		Kind:        domain.KindController,
		Description: "Review controller",
		Model:       in.controllerModel,
		Usage:       in.usage.Scope(""),
	})
	return append(out, in.subtaskUsage()...)
}

// ─── Message handlers ───────────────────────────────────────────────────────

func (in *Inferencer) onUsage(m domain.UsageReport) {
	if m.Model != "" {
		if m.ParentID == "" {
			in.controllerModel = m.Model
		} else if s, ok := in.subtasks[m.ParentID]; ok {
			s.model = m.Model
		}
	}
	in.usage.Record(m.ParentID, m.Usage)
	in.maybeEmitUsage(false)
}

func (in *Inferencer) onDelegation(m domain.Delegation) {
	if m.CorrelationID == "" {
		return
	}
	if _, dup := in.subtasks[m.CorrelationID]; dup {
		return
	}
	in.subtasks[m.CorrelationID] = &subtask{
		id:          m.CorrelationID,
		kind:        m.Kind,
		description: m.Description,
		status:      domain.SubtaskStarted,
	}
	in.order = append(in.order, m.CorrelationID)
	in.emit(domain.NewSubagentEvent(in.cfg.Now(), m.Kind, m.Description, domain.SubtaskStarted))

	switch m.Kind {
	case domain.KindCodebaseSearch:
		in.searchTotal++
		if in.phase == domain.PhaseUnderstanding {
			in.enter(domain.PhaseExploring)
		}
		in.emitProgress()
	case domain.KindDeepAnalysis:
		if !in.analysisStarted {
			in.analysisStarted = true
			in.enter(domain.PhaseAnalyzing)
		}
		in.emitProgress()
	}
}

func (in *Inferencer) onTool(m domain.ToolInvocation) {
	s, ok := in.subtasks[m.ParentID]
	if !ok {
		return
	}
	detail, ok := activityDetail(m)
	if !ok {
		return
	}
	lim, ok := in.limiters[s.id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(in.cfg.ActivityInterval), 1)
		in.limiters[s.id] = lim
	}
	now := in.cfg.Now()
	if !lim.AllowN(now, 1) {
		return
	}
	in.emit(domain.NewActivityEvent(now, s.kind, m.Tool, detail))
}

func (in *Inferencer) onResult(m domain.ResultDelivery) {
	s, ok := in.subtasks[m.CorrelationID]
	if !ok || s.status == domain.SubtaskCompleted {
		return
	}
	s.status = domain.SubtaskCompleted
	in.emit(domain.NewSubagentEvent(in.cfg.Now(), s.kind, s.description, domain.SubtaskCompleted))

	switch s.kind {
	case domain.KindCodebaseSearch:
		if in.searchDone < in.searchTotal {
			in.searchDone++
		}
		in.emitProgress()
	case domain.KindDeepAnalysis:
		in.analysisDone = true
		in.emitProgress()
	}
	in.maybeEmitUsage(true)
}

func (in *Inferencer) onControllerText() {
	if in.analysisDone && in.phase != domain.PhaseSynthesizing {
		in.enter(domain.PhaseSynthesizing)
		in.emitProgress()
	}
}

// ─── Emission helpers ───────────────────────────────────────────────────────

// enter moves forward to p. Requests to stay or move backward are ignored.
func (in *Inferencer) enter(p domain.Phase) {
	if !in.phase.Before(p) {
		return
	}
	log.Debug().Str("component", "inferencer").Str("from", string(in.phase)).Str("to", string(p)).Msg("phase transition")
	in.phase = p
	in.emit(domain.NewPhaseEvent(in.cfg.Now(), p, phaseMessage(p)))
}

// emitProgress emits the percentage band of the current phase. Codebase
// searches finishing after analysis started no longer move the bar, so the
// emitted percentage never decreases. Unchanged values are not repeated.
func (in *Inferencer) emitProgress() {
	pct, msg := in.percent()
	if pct < in.lastPercent {
		pct = in.lastPercent
	}
	if pct == in.lastPercent && msg == in.lastMessage {
		return
	}
	in.lastPercent, in.lastMessage = pct, msg
	in.emit(domain.NewProgressEvent(in.cfg.Now(), pct, msg))
}

func (in *Inferencer) percent() (int, string) {
	switch in.phase {
	case domain.PhaseExploring:
		if in.searchTotal == 0 {
			return 15, "Exploring the codebase"
		}
		pct := int(math.Round(10 + 50*float64(in.searchDone)/float64(in.searchTotal)))
		return pct, fmt.Sprintf("Exploring the codebase (%d/%d searches complete)", in.searchDone, in.searchTotal)
	case domain.PhaseAnalyzing:
		if in.analysisDone {
			return 85, "Deep analysis complete"
		}
		return 70, "Running deep analysis"
	case domain.PhaseSynthesizing:
		return 92, "Writing the review"
	default:
		return 5, "Reading the document"
	}
}

func (in *Inferencer) maybeEmitUsage(force bool) {
	if !in.usage.Allow(force) {
		return
	}
	session := in.usage.Session()
	in.emit(domain.NewUsageEvent(in.cfg.Now(), session, in.subtaskUsage(), in.cfg.Prices.Estimate(session)))
}

func (in *Inferencer) subtaskUsage() []domain.SubtaskUsage {
	out := make([]domain.SubtaskUsage, 0, len(in.order))
	for _, id := range in.order {
		s := in.subtasks[id]
		out = append(out, domain.SubtaskUsage{
			ID:          s.id,
			Kind:        s.kind,
			Description: s.description,
			Model:       s.model,
			Usage:       in.usage.Scope(s.id),
		})
	}
	return out
}

func phaseMessage(p domain.Phase) string {
	switch p {
	case domain.PhaseExploring:
		return "Searching the codebase for relevant code"
	case domain.PhaseAnalyzing:
		return "Analyzing the document against the code"
	case domain.PhaseSynthesizing:
		return "Synthesizing the review"
	default:
		return "Understanding the document"
	}
}

// activityDetail formats the one-line detail for eligible tools.
func activityDetail(m domain.ToolInvocation) (string, bool) {
	switch m.Tool {
	case domain.ToolRead:
		return m.Path, m.Path != ""
	case domain.ToolGrep:
		return strconv.Quote(m.Pattern), m.Pattern != ""
	case domain.ToolGlob:
		return m.Pattern, m.Pattern != ""
	default:
		return "", false
	}
}
