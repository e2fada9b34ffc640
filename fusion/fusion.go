// Package fusion answers "what is true now / what happened recently / what
// went wrong" queries by consulting sources in priority order: the live
// registry first, then telemetry history, then the event log. A source that
// cannot answer degrades its section instead of failing the whole query.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skylattice/fleetd/eventlog"
	"github.com/skylattice/fleetd/observe"
	"github.com/skylattice/fleetd/registry"
	"github.com/skylattice/fleetd/telemetry"
)

// Aspect names one kind of answer a query can ask for.
type Aspect string

const (
	AspectCurrent Aspect = "current"
	AspectHistory Aspect = "history"
	AspectErrors  Aspect = "errors"
)

const (
	defaultHistoryDepth = 30
	maxHistoryShown     = 15
	maxEventsShown      = 10
)

// Query selects agents and aspects. Empty AgentIDs means the whole fleet;
// empty Aspects means all three, in priority order.
type Query struct {
	AgentIDs     []string
	Aspects      []Aspect
	HistoryDepth int

	// Category narrows the errors aspect; empty means error-category
	// records only.
	Category eventlog.Category
}

// Section is one labeled block of the fused answer.
type Section struct {
	Title    string   `json:"title"`
	Degraded bool     `json:"degraded"`
	Note     string   `json:"note,omitempty"`
	Lines    []string `json:"lines"`
}

// Context is the bounded, composed answer.
type Context struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Sections    []Section `json:"sections"`
}

// Render flattens the context into labeled text for a downstream consumer.
func (c Context) Render() string {
	var b strings.Builder
	for i, section := range c.Sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(section.Title)
		if section.Degraded {
			b.WriteString(" [degraded]")
		}
		b.WriteString("\n")
		if section.Note != "" {
			b.WriteString(section.Note)
			b.WriteString("\n")
		}
		for _, line := range section.Lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

type Engine struct {
	registry     registry.Reader
	telemetry    telemetry.Store
	events       eventlog.Store
	historyDepth int
	logger       *zap.Logger
	metrics      *observe.Metrics
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHistoryDepth sets how many samples per agent the history aspect
// fetches before summarizing.
func WithHistoryDepth(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.historyDepth = k
		}
	}
}

func NewEngine(reg registry.Reader, telemetryStore telemetry.Store, eventStore eventlog.Store, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry reader is required")
	}
	if telemetryStore == nil {
		return nil, fmt.Errorf("telemetry store is required")
	}
	if eventStore == nil {
		return nil, fmt.Errorf("event store is required")
	}
	e := &Engine{
		registry:     reg,
		telemetry:    telemetryStore,
		events:       eventStore,
		historyDepth: defaultHistoryDepth,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Fuse composes the best-effort answer. It returns an error only for a
// malformed query; source failures degrade sections instead.
func (e *Engine) Fuse(ctx context.Context, query Query) (Context, error) {
	aspects := query.Aspects
	if len(aspects) == 0 {
		aspects = []Aspect{AspectCurrent, AspectHistory, AspectErrors}
	}

	out := Context{GeneratedAt: time.Now().UTC()}
	for _, aspect := range aspects {
		var section Section
		switch aspect {
		case AspectCurrent:
			section = e.currentSection(ctx, query)
		case AspectHistory:
			section = e.historySection(ctx, query)
		case AspectErrors:
			section = e.errorsSection(ctx, query)
		default:
			return Context{}, fmt.Errorf("unknown aspect %q", aspect)
		}
		if section.Degraded {
			e.metrics.DegradedSection(ctx)
		}
		out.Sections = append(out.Sections, section)
	}
	return out, nil
}

// currentSection reads the live registry; if it is unreachable the section
// falls back to the freshest telemetry sample per agent and says so.
func (e *Engine) currentSection(ctx context.Context, query Query) Section {
	section := Section{Title: "Current state"}

	states, err := e.currentStates(ctx, query, &section)
	if err != nil {
		fallback := e.currentFromTelemetry(ctx, query)
		if fallback == nil {
			section.Degraded = true
			section.Note = "live registry and telemetry both unreachable"
			return section
		}
		section.Degraded = true
		section.Note = "live registry unreachable; positions are from the latest telemetry sample and may lag"
		section.Lines = fallback
		return section
	}

	for _, state := range states {
		section.Lines = append(section.Lines, formatState(state))
	}
	return section
}

func (e *Engine) currentStates(ctx context.Context, query Query, section *Section) ([]registry.AgentState, error) {
	if len(query.AgentIDs) == 0 {
		return e.registry.List(ctx)
	}
	states := make([]registry.AgentState, 0, len(query.AgentIDs))
	for _, agentID := range query.AgentIDs {
		state, err := e.registry.Get(ctx, agentID)
		if errors.Is(err, registry.ErrUnknownAgent) {
			section.Lines = append(section.Lines, fmt.Sprintf("%s: not found", agentID))
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (e *Engine) currentFromTelemetry(ctx context.Context, query Query) []string {
	agentIDs := query.AgentIDs
	if len(agentIDs) == 0 {
		// Without the registry the fleet roster is unknown; derive it from
		// whatever agents appear in recent telemetry.
		batch, err := e.telemetry.Recent(ctx, telemetry.RecentQuery{Limit: 200})
		if err != nil {
			return nil
		}
		seen := map[string]bool{}
		for _, sample := range batch {
			seen[sample.AgentID] = true
		}
		for agentID := range seen {
			agentIDs = append(agentIDs, agentID)
		}
	}

	lines := make([]string, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		batch, err := e.telemetry.Recent(ctx, telemetry.RecentQuery{AgentID: agentID, Limit: e.historyDepth})
		if err != nil || len(batch) == 0 {
			continue
		}
		telemetry.SortBySeq(batch)
		latest := batch[len(batch)-1]
		lines = append(lines, fmt.Sprintf("%s: at %s denied=%t signal=%.2f (telemetry seq %d)",
			latest.AgentID, latest.Position, latest.Denied, latest.SignalQuality, latest.Seq))
	}
	if len(lines) == 0 {
		return nil
	}
	return lines
}

// historySection summarizes the last K samples per agent, ordered by
// sequence number, never by wall-clock time.
func (e *Engine) historySection(ctx context.Context, query Query) Section {
	section := Section{Title: "Recent history"}

	depth := query.HistoryDepth
	if depth <= 0 {
		depth = e.historyDepth
	}

	agentIDs := query.AgentIDs
	if len(agentIDs) == 0 {
		if states, err := e.registry.List(ctx); err == nil {
			for _, state := range states {
				agentIDs = append(agentIDs, state.AgentID)
			}
		}
	}
	if len(agentIDs) == 0 {
		section.Degraded = true
		section.Note = "no agents resolvable for history"
		return section
	}

	var unavailable bool
	for _, agentID := range agentIDs {
		batch, err := e.telemetry.Recent(ctx, telemetry.RecentQuery{AgentID: agentID, Limit: depth})
		if err != nil {
			unavailable = true
			continue
		}
		telemetry.SortBySeq(batch)
		shown := batch
		var omitted int
		if len(shown) > maxHistoryShown {
			omitted = len(shown) - maxHistoryShown
			shown = shown[len(shown)-maxHistoryShown:]
		}
		for _, sample := range shown {
			section.Lines = append(section.Lines, fmt.Sprintf("%s seq=%d %s denied=%t signal=%.2f",
				sample.AgentID, sample.Seq, sample.Position, sample.Denied, sample.SignalQuality))
		}
		if omitted > 0 {
			section.Lines = append(section.Lines, fmt.Sprintf("%s: %d earlier samples omitted", agentID, omitted))
		}
	}
	if unavailable {
		section.Degraded = true
		section.Note = "telemetry store unreachable for some agents"
	}
	return section
}

// errorsSection lists recent error and operator-action events, newest first.
func (e *Engine) errorsSection(ctx context.Context, query Query) Section {
	section := Section{Title: "Errors and operator actions"}

	category := query.Category
	if category == "" {
		category = eventlog.CategoryError
	}

	agentID := ""
	if len(query.AgentIDs) == 1 {
		agentID = query.AgentIDs[0]
	}

	records, err := e.events.Query(ctx, eventlog.Query{
		Category: category,
		AgentID:  agentID,
		Limit:    maxEventsShown,
	})
	if err != nil {
		section.Degraded = true
		section.Note = "event log unreachable"
		return section
	}
	for _, record := range records {
		section.Lines = append(section.Lines, fmt.Sprintf("[%s] %s (%s) %s",
			record.RecordedAt.Format(time.RFC3339), record.Source, record.Category, record.Text))
	}
	return section
}

func formatState(state registry.AgentState) string {
	return fmt.Sprintf("%s: at %s denied=%t signal=%.2f tick=%d",
		state.AgentID, state.Position, state.Denied, state.SignalQuality, state.LastTick)
}
