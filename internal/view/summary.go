package view

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/schema"
)

// SummaryView tracks the value histogram of one master-list field.
// Unlike View it holds no hit set or sort order, only the last computed
// {values} and whether it has ever computed one.
type SummaryView struct {
	logger *slog.Logger

	manager Manager
	IndexID string
	FieldID string

	engine  Engine
	schema  schema.Index

	mu        sync.Mutex
	values    map[string]int
	computed  bool
	subs      map[string]*SummarySubscriber
}

// NewSummaryView builds a SummaryView and runs its initial computation.
func NewSummaryView(logger *slog.Logger, mgr Manager, engine Engine, idx schema.Index, fieldID string) (*SummaryView, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &SummaryView{
		logger:  logger.With("component", "summary_view", "index", idx.ID, "field", fieldID),
		manager: mgr,
		IndexID: idx.ID,
		FieldID: fieldID,
		engine:  engine,
		schema:  idx,
		subs:    make(map[string]*SummarySubscriber),
	}
	if err := v.recompute(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *SummaryView) recompute() error {
	values, err := v.engine.GetFieldSummary(v.FieldID, v.schema)
	if err != nil {
		return errs.Wrap(errs.InvalidQuery, "computing field summary", err)
	}
	v.mu.Lock()
	v.values = values
	v.computed = true
	v.mu.Unlock()
	v.notifyChange()
	return nil
}

// Update recomputes when the write deleted a record, added a new one, or
// changed the summarised field's value on an existing one.
func (v *SummaryView) Update(state ChangeState) {
	if state.Action == "delete" || state.NewRecord || state.Changed[v.FieldID] {
		if err := v.recompute(); err != nil {
			v.mu.Lock()
			subs := v.allSubsLocked()
			v.mu.Unlock()
			for _, s := range subs {
				s.emit("error", err)
			}
		}
	}
}

func (v *SummaryView) notifyChange() {
	v.mu.Lock()
	values := v.values
	subs := v.allSubsLocked()
	v.mu.Unlock()
	for _, s := range subs {
		s.emit("change", values)
	}
}

func (v *SummaryView) allSubsLocked() []*SummarySubscriber {
	out := make([]*SummarySubscriber, 0, len(v.subs))
	for _, s := range v.subs {
		out = append(out, s)
	}
	return out
}

// Attach registers a subscriber. If a computation already happened, the
// cached values are delivered synchronously, with no recompute round-trip.
func (v *SummaryView) Attach() *SummarySubscriber {
	s := newSummarySubscriber(v)
	v.mu.Lock()
	v.subs[s.ID] = s
	computed := v.computed
	values := v.values
	v.mu.Unlock()
	if computed {
		s.emit("change", values)
	}
	return s
}

func (v *SummaryView) detach(s *SummarySubscriber) {
	v.mu.Lock()
	delete(v.subs, s.ID)
	empty := len(v.subs) == 0
	v.mu.Unlock()
	if empty {
		v.Destroy()
	}
}

// Destroy broadcasts "destroy" and deregisters from the manager.
func (v *SummaryView) Destroy() {
	v.mu.Lock()
	subs := v.allSubsLocked()
	v.subs = make(map[string]*SummarySubscriber)
	v.mu.Unlock()
	for _, s := range subs {
		s.emit("destroy", nil)
	}
	if v.manager != nil {
		v.manager.Deregister(v.IndexID, "summary:"+v.FieldID)
	}
}

// SummarySubscriber is one caller's attachment to a SummaryView. It has no
// window, since a summary's payload is always the full histogram.
type SummarySubscriber struct {
	ID   string
	view *SummaryView

	mu        sync.Mutex
	listeners map[string][]func(payload any)
}

func newSummarySubscriber(v *SummaryView) *SummarySubscriber {
	s := &SummarySubscriber{
		ID:        uuid.New().String(),
		view:      v,
		listeners: make(map[string][]func(payload any)),
	}
	s.On("error", func(any) {})
	return s
}

func (s *SummarySubscriber) On(event string, fn func(payload any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], fn)
}

func (s *SummarySubscriber) emit(event string, payload any) {
	s.mu.Lock()
	fns := append([]func(any){}, s.listeners[event]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

// Unsubscribe removes this subscriber from its summary view.
func (s *SummarySubscriber) Unsubscribe() {
	s.view.detach(s)
}
