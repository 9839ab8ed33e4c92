package statemgr

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
)

const schemaVersion = "1.0.0"
const schemaMajor = "1"

// projectState is the durable record persisted at
// progress/<projectId>/phase.json. §6's on-disk layout names state.json as
// the Controller's ControllerState; the State Manager's phase/kv/version
// record is a distinct document living alongside it in the same progress/
// section under its own logical name, so the two components never race on
// one file (see DESIGN.md's Open Question notes).
type projectState struct {
	SchemaVersion string                 `json:"schemaVersion" yaml:"schemaVersion"`
	Phase         model.ProjectPhase     `json:"phase" yaml:"phase"`
	Version       int                    `json:"version" yaml:"version"`
	Values        map[string]interface{} `json:"values" yaml:"values"`
}

func (p *projectState) GetSchemaVersion() string  { return p.SchemaVersion }
func (p *projectState) SetSchemaVersion(v string) { p.SchemaVersion = v }

// Event is delivered to subscribers after a phase transition or key/value
// mutation has been durably persisted.
type Event struct {
	ProjectID string
	OldPhase  model.ProjectPhase
	NewPhase  model.ProjectPhase
	Key       string
	Value     interface{}
}

// Subscriber receives Events. Per §3, callbacks run synchronously on the
// mutating goroutine after persistence; a panicking subscriber is recovered
// and reported to the SetPanicHandler callback, if one is installed, and
// the persisted change is not rolled back.
type Subscriber func(Event)

// Manager is the State Manager (C3): phase enum + arbitrary key/value +
// subscriber API, backed by the Scratchpad.
type Manager struct {
	sp *scratchpad.Scratchpad

	mu          sync.Mutex
	cache       map[string]*projectState
	subscribers map[string]map[string]Subscriber
	onPanic     func(projectID string, r interface{})
}

// New builds a Manager over sp.
func New(sp *scratchpad.Scratchpad) *Manager {
	return &Manager{
		sp:          sp,
		cache:       make(map[string]*projectState),
		subscribers: make(map[string]map[string]Subscriber),
	}
}

func ref(projectID string) scratchpad.Ref {
	return scratchpad.Ref{ProjectID: projectID, Section: scratchpad.SectionProgress, LogicalName: "phase"}
}

func (m *Manager) load(projectID string) (*projectState, error) {
	if s, ok := m.cache[projectID]; ok {
		return s, nil
	}

	exists, err := m.sp.Exists(ref(projectID))
	if err != nil {
		return nil, err
	}
	if !exists {
		s := &projectState{SchemaVersion: schemaVersion, Phase: model.PhaseIntake, Values: make(map[string]interface{})}
		m.cache[projectID] = s
		return s, nil
	}

	var s projectState
	if err := m.sp.ReadTyped(ref(projectID), schemaMajor, &s); err != nil {
		return nil, errs.Wrap(errs.KindStateCorrupted, "load project state "+projectID, err)
	}
	if s.Values == nil {
		s.Values = make(map[string]interface{})
	}
	m.cache[projectID] = &s
	return &s, nil
}

func (m *Manager) persist(projectID string, s *projectState) error {
	return m.sp.WriteTyped(ref(projectID), scratchpad.FormatJSON, schemaVersion, s)
}

// GetPhase returns the current phase of a project.
func (m *Manager) GetPhase(projectID string) (model.ProjectPhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(projectID)
	if err != nil {
		return "", err
	}
	return s.Phase, nil
}

// Transition moves a project to a new phase, validating the edge against
// the transition table, persisting atomically, then notifying
// subscribers. Subscriber callbacks run after persistence succeeds and are
// never rolled back on error.
func (m *Manager) Transition(projectID string, to model.ProjectPhase) error {
	m.mu.Lock()

	s, err := m.load(projectID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if err := ValidateTransition(s.Phase, to); err != nil {
		m.mu.Unlock()
		return err
	}

	old := s.Phase
	s.Phase = to
	s.Version++

	if err := m.persist(projectID, s); err != nil {
		m.mu.Unlock()
		return err
	}

	subs := m.snapshotSubscribers(projectID)
	m.mu.Unlock()

	m.notify(projectID, Event{ProjectID: projectID, OldPhase: old, NewPhase: to}, subs)
	return nil
}

// Get returns a stored key/value entry.
func (m *Manager) Get(projectID, key string) (interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(projectID)
	if err != nil {
		return nil, false, err
	}
	v, ok := s.Values[key]
	return v, ok, nil
}

// Set performs an optimistic-concurrency write: expectedVersion must match
// the project's current version, or InvalidState is returned (a CAS
// failure). The returned int is the new version on success.
func (m *Manager) Set(projectID, key string, value interface{}, expectedVersion int) (int, error) {
	m.mu.Lock()

	s, err := m.load(projectID)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}

	if s.Version != expectedVersion {
		m.mu.Unlock()
		return 0, errs.New(errs.KindInvalidState, "optimistic concurrency conflict on project state")
	}

	s.Values[key] = value
	s.Version++

	if err := m.persist(projectID, s); err != nil {
		m.mu.Unlock()
		return 0, err
	}

	subs := m.snapshotSubscribers(projectID)
	newVersion := s.Version
	m.mu.Unlock()

	m.notify(projectID, Event{ProjectID: projectID, Key: key, Value: value}, subs)
	return newVersion, nil
}

// Version returns the current optimistic-concurrency version for a project.
func (m *Manager) Version(projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load(projectID)
	if err != nil {
		return 0, err
	}
	return s.Version, nil
}

// Subscribe registers fn for events on projectID and returns a subscription ID.
func (m *Manager) Subscribe(projectID string, fn Subscriber) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	if m.subscribers[projectID] == nil {
		m.subscribers[projectID] = make(map[string]Subscriber)
	}
	m.subscribers[projectID][id] = fn
	return id
}

// Unsubscribe removes a previously registered subscription.
func (m *Manager) Unsubscribe(projectID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers[projectID], id)
}

func (m *Manager) snapshotSubscribers(projectID string) []Subscriber {
	subs := m.subscribers[projectID]
	out := make([]Subscriber, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func (m *Manager) notify(projectID string, event Event, subs []Subscriber) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil && m.onPanic != nil {
					m.onPanic(projectID, r)
				}
			}()
			fn(event)
		}()
	}
}

// SetPanicHandler installs a callback invoked when a subscriber panics,
// so the manager can log without crashing the mutating goroutine.
func (m *Manager) SetPanicHandler(fn func(projectID string, r interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPanic = fn
}
