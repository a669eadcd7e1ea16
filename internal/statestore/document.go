package statestore

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// CurrentSchemaVersion is the on-disk document schema. Dashboards and
// resumption tooling read these files directly; bump only with a migration.
const CurrentSchemaVersion = 1

type State string

const (
	StatePreflight   State = "PREFLIGHT"
	StateJackIn      State = "JACK_IN"
	StateIterating   State = "ITERATING"
	StateResearching State = "RESEARCHING"
	StateExploring   State = "EXPLORING"
	StateFinalizing  State = "FINALIZING"
	StateJackedOut   State = "JACKED_OUT"
	StateHalted      State = "HALTED"
)

// transitions is the complete edge set of the workflow state machine.
// JACKED_OUT and HALTED are terminal.
var transitions = map[State][]State{
	StatePreflight:   {StateJackIn, StateHalted},
	StateJackIn:      {StateIterating, StateHalted},
	StateIterating:   {StateIterating, StateResearching, StateExploring, StateFinalizing, StateHalted},
	StateResearching: {StateIterating, StateHalted},
	StateExploring:   {StateIterating, StateHalted},
	StateFinalizing:  {StateJackedOut, StateHalted},
	StateJackedOut:   {},
	StateHalted:      {},
}

func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("invalid state: %q", s)
	}
	return st, nil
}

// CanTransition reports whether from→to is an edge of the transition graph.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseSkipped    PhaseStatus = "skipped"
)

func ParsePhaseStatus(s string) (PhaseStatus, error) {
	switch PhaseStatus(strings.ToLower(strings.TrimSpace(s))) {
	case PhasePending:
		return PhasePending, nil
	case PhaseInProgress:
		return PhaseInProgress, nil
	case PhaseCompleted:
		return PhaseCompleted, nil
	case PhaseSkipped:
		return PhaseSkipped, nil
	default:
		return "", fmt.Errorf("invalid phase status: %q", s)
	}
}

type Phase struct {
	Status      PhaseStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// DefaultPhases is the pipeline order. Held as a slice so callers can walk
// phases in order; the document keys into it by name.
var DefaultPhases = []string{"discovery", "architecture", "planning", "implementation", "review"}

// Document is one workflow instance's persisted progress. The JSON shape is
// a de facto wire format; see CurrentSchemaVersion.
type Document struct {
	SchemaVersion  int               `json:"schema_version"`
	ID             string            `json:"id"`
	State          State             `json:"state"`
	Phases         map[string]*Phase `json:"phases"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Metrics        map[string]int64  `json:"metrics"`
	Artifacts      map[string]string `json:"artifacts"`
}

func NewDocument() *Document {
	now := time.Now().UTC()
	phases := make(map[string]*Phase, len(DefaultPhases))
	for _, name := range DefaultPhases {
		phases[name] = &Phase{Status: PhasePending}
	}
	return &Document{
		SchemaVersion:  CurrentSchemaVersion,
		ID:             ulid.Make().String(),
		State:          StatePreflight,
		Phases:         phases,
		StartedAt:      now,
		LastActivityAt: now,
		Metrics:        map[string]int64{},
		Artifacts:      map[string]string{},
	}
}

func (d *Document) validate() error {
	if d == nil {
		return fmt.Errorf("document is nil")
	}
	if d.SchemaVersion <= 0 || d.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported document schema_version: %d (this build understands <= %d)", d.SchemaVersion, CurrentSchemaVersion)
	}
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("document id is required")
	}
	if _, err := ParseState(string(d.State)); err != nil {
		return err
	}
	for name, ph := range d.Phases {
		if ph == nil {
			return fmt.Errorf("phase %q is null", name)
		}
		if _, err := ParsePhaseStatus(string(ph.Status)); err != nil {
			return fmt.Errorf("phase %q: %w", name, err)
		}
	}
	return nil
}
