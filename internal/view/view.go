// Package view implements live, incrementally-maintained query results:
// View (and its SummaryView variant) hold the materialised hit set and
// sort order for one (index, query, sort) combination, and Subscriber is
// one caller's windowed slice onto a View. The three types share one
// package because Subscriber holds a back-reference into its View and
// View owns its Subscriber set, so splitting them would only buy an
// import cycle.
package view

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/indexengine"
	"github.com/syntrixbase/unbase/internal/schema"
)

// RecordStore is the slice of kv.Store a View needs: bulk body loads.
type RecordStore interface {
	GetMulti(bucket string, keys []string) (map[string][]byte, error)
}

// Engine is the slice of indexengine.Engine a View needs.
type Engine interface {
	SearchRecords(q indexengine.ParsedQuery, idx schema.Index) (map[string]bool, error)
	SearchSingle(q indexengine.ParsedQuery, id string, data indexengine.IdxData, idx schema.Index) (bool, error)
	SortRecords(hits map[string]bool, sortBy string, sortDir int, idx schema.Index) ([]indexengine.SortPair, error)
	GetFieldSummary(fieldID string, idx schema.Index) (map[string]int, error)
}

// Decoder turns a stored record body into the generic doc tree. Kept as a
// function value so view stays independent of the record's wire format.
type Decoder func(body []byte) (map[string]any, error)

var idCollator = collate.New(language.Und)

// sortEntry is one row of a View's materialised order: the record id and
// its sort value (the id itself when sorting by _id).
type sortEntry struct {
	id    string
	value any
}

// View holds the live hit set and sort order for one (index, query, sort)
// combination, shared by every Subscriber that asked for the same thing.
type View struct {
	logger *slog.Logger

	manager Manager // back-reference so View can deregister itself

	IndexID    string
	SearchID   string
	SortBy     string
	SortDir    int
	SortType   string
	query      indexengine.ParsedQuery
	recordsBkt string

	engine Engine
	store  RecordStore
	decode Decoder

	mu        sync.Mutex
	schema    schema.Index
	results   map[string]int // id -> position in sortPairs
	sortPairs []sortEntry
	subs      map[string]*Subscriber
}

// Manager is the slice of ViewManager a View needs to deregister itself on
// destruction.
type Manager interface {
	Deregister(indexID, searchID string)
}

// New builds a View and runs its initial search.
func New(logger *slog.Logger, mgr Manager, engine Engine, store RecordStore, decode Decoder,
	idx schema.Index, recordsBkt string, query indexengine.ParsedQuery, searchID, sortBy string, sortDir int, sortType string,
) (*View, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &View{
		logger:     logger.With("component", "view", "index", idx.ID, "search_id", searchID),
		manager:    mgr,
		IndexID:    idx.ID,
		SearchID:   searchID,
		SortBy:     sortBy,
		SortDir:    sortDir,
		SortType:   sortType,
		query:      query,
		recordsBkt: recordsBkt,
		engine:     engine,
		store:      store,
		decode:     decode,
		schema:     idx,
		results:    make(map[string]int),
		subs:       make(map[string]*Subscriber),
	}
	if err := v.initialSearch(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *View) initialSearch() error {
	hits, err := v.engine.SearchRecords(v.query, v.schema)
	if err != nil {
		return errs.Wrap(errs.InvalidQuery, "initial search", err)
	}
	pairs, err := v.buildSortPairs(hits)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.sortPairs = pairs
	v.rebuildResultsLocked()
	v.mu.Unlock()
	return nil
}

// buildSortPairs computes sort order either locally (_id sort) or by
// delegating to the engine for any other sorter.
func (v *View) buildSortPairs(hits map[string]bool) ([]sortEntry, error) {
	if v.SortBy == "_id" {
		ids := make([]string, 0, len(hits))
		for id := range hits {
			ids = append(ids, id)
		}
		sortIDsLocally(ids, v.SortType, v.SortDir)
		out := make([]sortEntry, len(ids))
		for i, id := range ids {
			out[i] = sortEntry{id: id, value: id}
		}
		return out, nil
	}
	pairs, err := v.engine.SortRecords(hits, v.SortBy, v.SortDir, v.schema)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidQuery, "sorting records", err)
	}
	out := make([]sortEntry, len(pairs))
	for i, p := range pairs {
		out[i] = sortEntry{id: p.ID, value: p.Value}
	}
	return out, nil
}

// idLess orders two ids for the _id sort: numerically when sortType is
// "number" (byte order if either id is not a number), locale-aware
// otherwise.
func idLess(a, b, sortType string) bool {
	if sortType == "number" {
		af, aerr := strconv.ParseFloat(a, 64)
		bf, berr := strconv.ParseFloat(b, 64)
		if aerr == nil && berr == nil {
			return af < bf
		}
		return a < b
	}
	return idCollator.CompareString(a, b) < 0
}

func sortIDsLocally(ids []string, sortType string, dir int) {
	sort.Slice(ids, func(i, j int) bool {
		less := idLess(ids[i], ids[j], sortType)
		if dir < 0 {
			return !less
		}
		return less
	})
}

func (v *View) rebuildResultsLocked() {
	v.results = make(map[string]int, len(v.sortPairs))
	for i, p := range v.sortPairs {
		v.results[p.id] = i
	}
}

// ChangeState mirrors indexengine.ChangeState plus the action tag the
// Mutator assigns ("insert" covers insert and update, "delete" covers
// delete and unindex).
type ChangeState struct {
	Action    string // "insert" | "delete"
	ID        string
	IdxData   indexengine.IdxData
	NewRecord bool
	Changed   map[string]bool
}

// Update applies one write's effect to this view, incrementally patching
// the hit set and sort order rather than recomputing from scratch, and
// notifies affected subscribers.
func (v *View) Update(state ChangeState) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos, oldHit := v.results[state.ID]

	if state.Action == "delete" {
		if oldHit {
			v.removeLocked(pos)
			v.notifyAllLocked()
		}
		return
	}

	newHit, err := v.engine.SearchSingle(v.query, state.ID, state.IdxData, v.schema)
	if err != nil {
		v.broadcastLocked("error", err)
		return
	}

	switch {
	case !oldHit && newHit:
		v.addLocked(state)
		v.notifyAllLocked()
	case oldHit && !newHit:
		v.removeLocked(pos)
		v.notifyAllLocked()
	case oldHit && newHit && v.SortBy != "_id":
		newVal := state.IdxData.Sorters[v.SortBy]
		if newVal != v.sortPairs[pos].value {
			v.sortPairs[pos].value = newVal
			v.resortLocked()
			v.notifyAllLocked()
		} else {
			v.notifyVisibleLocked(pos)
		}
	case oldHit && newHit:
		// sort_by == "_id": the sort value is the id itself and cannot
		// change, only the set of rows before this one can.
		v.notifyVisibleLocked(v.results[state.ID])
	}
}

func (v *View) addLocked(state ChangeState) {
	value := any(state.ID)
	if v.SortBy != "_id" {
		value = state.IdxData.Sorters[v.SortBy]
	}
	v.sortPairs = append(v.sortPairs, sortEntry{id: state.ID, value: value})
	v.resortLocked()
}

func (v *View) removeLocked(pos int) {
	id := v.sortPairs[pos].id
	v.sortPairs = append(v.sortPairs[:pos], v.sortPairs[pos+1:]...)
	delete(v.results, id)
	v.rebuildResultsLocked()
}

func (v *View) resortLocked() {
	if v.SortBy == "_id" {
		sort.Slice(v.sortPairs, func(i, j int) bool {
			less := idLess(v.sortPairs[i].id, v.sortPairs[j].id, v.SortType)
			if v.SortDir < 0 {
				return !less
			}
			return less
		})
	} else {
		sort.Slice(v.sortPairs, func(i, j int) bool {
			less := compareSortValues(v.sortPairs[i].value, v.sortPairs[j].value)
			if v.SortDir < 0 {
				return !less
			}
			return less
		})
	}
	v.rebuildResultsLocked()
}

func compareSortValues(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs
}

// notifyAllLocked rebuilds and delivers every subscriber's window.
func (v *View) notifyAllLocked() {
	v.notifySubsLocked(v.allSubs())
}

// notifyVisibleLocked delivers only to subscribers whose window includes
// pos.
func (v *View) notifyVisibleLocked(pos int) {
	var affected []*Subscriber
	for _, s := range v.subs {
		if s.windowIncludes(pos, len(v.sortPairs)) {
			affected = append(affected, s)
		}
	}
	v.notifySubsLocked(affected)
}

func (v *View) allSubs() []*Subscriber {
	out := make([]*Subscriber, 0, len(v.subs))
	for _, s := range v.subs {
		out = append(out, s)
	}
	return out
}

// notifySubsLocked batch-loads the union of record bodies the given
// subscribers' windows reference in one RecordStore.GetMulti call, then
// hands each subscriber its own reconstituted slice.
func (v *View) notifySubsLocked(subs []*Subscriber) {
	if len(subs) == 0 {
		return
	}
	idSet := make(map[string]bool)
	for _, s := range subs {
		for _, id := range s.windowIDs(v.sortPairs) {
			idSet[id] = true
		}
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	bodies, err := v.store.GetMulti(v.recordsBkt, ids)
	if err != nil {
		v.broadcastLocked("error", err)
		return
	}
	total := len(v.sortPairs)
	for _, s := range subs {
		records := make([]map[string]any, 0)
		for _, id := range s.windowIDs(v.sortPairs) {
			raw, ok := bodies[id]
			if !ok {
				continue
			}
			rec, err := v.decode(raw)
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
		s.emit("change", ChangeEvent{Records: records, Total: total})
	}
}

func (v *View) broadcastLocked(event string, payload any) {
	for _, s := range v.subs {
		s.emit(event, payload)
	}
}

// ChangeEvent is the payload delivered on a subscriber's "change" event.
type ChangeEvent struct {
	Records []map[string]any
	Total   int
}

// Attach registers a new Subscriber and immediately delivers its initial
// window.
func (v *View) Attach(opts WindowOpts) *Subscriber {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := newSubscriber(v, opts)
	v.subs[s.ID] = s
	v.notifySubsLocked([]*Subscriber{s})
	return s
}

// detach removes s from the view's subscriber set; if it was the last one,
// the view destroys itself.
func (v *View) detach(s *Subscriber) {
	v.mu.Lock()
	delete(v.subs, s.ID)
	empty := len(v.subs) == 0
	v.mu.Unlock()
	if empty {
		v.Destroy()
	}
}

// Destroy broadcasts "destroy" to every subscriber and deregisters this
// view from its manager.
func (v *View) Destroy() {
	v.mu.Lock()
	for _, s := range v.subs {
		s.emit("destroy", nil)
	}
	v.subs = make(map[string]*Subscriber)
	v.mu.Unlock()
	if v.manager != nil {
		v.manager.Deregister(v.IndexID, v.SearchID)
	}
}

// Subscriber is one caller's windowed view onto a View's sort_pairs.
type Subscriber struct {
	ID string

	view *View

	mu        sync.Mutex
	offset    int
	limit     int // 0 means unlimited
	listeners map[string][]func(payload any)
}

// WindowOpts is a subscriber's requested [offset, offset+limit) window.
type WindowOpts struct {
	Offset int
	Limit  int
}

func newSubscriber(v *View, opts WindowOpts) *Subscriber {
	s := &Subscriber{
		ID:        uuid.New().String(),
		view:      v,
		offset:    opts.Offset,
		limit:     opts.Limit,
		listeners: make(map[string][]func(payload any)),
	}
	// An unhandled "error" event must never crash the host process.
	s.On("error", func(any) {})
	return s
}

// On attaches a listener for event (typically "change", "error",
// "destroy").
func (s *Subscriber) On(event string, fn func(payload any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], fn)
}

func (s *Subscriber) emit(event string, payload any) {
	s.mu.Lock()
	fns := append([]func(any){}, s.listeners[event]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

// ChangeOptions mutates this subscriber's window and recomputes its slice
// from the view's current sort_pairs without any IndexEngine call. Sort
// parameters are immutable after subscribe.
func (s *Subscriber) ChangeOptions(opts WindowOpts) {
	s.mu.Lock()
	s.offset = opts.Offset
	s.limit = opts.Limit
	s.mu.Unlock()

	s.view.mu.Lock()
	defer s.view.mu.Unlock()
	s.view.notifySubsLocked([]*Subscriber{s})
}

// Unsubscribe removes this subscriber from its view.
func (s *Subscriber) Unsubscribe() {
	s.view.detach(s)
}

func (s *Subscriber) window() (offset, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, s.limit
}

func (s *Subscriber) windowIncludes(pos, total int) bool {
	offset, limit := s.window()
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return pos >= offset && pos < end
}

func (s *Subscriber) windowIDs(pairs []sortEntry) []string {
	offset, limit := s.window()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(pairs) {
		return nil
	}
	end := len(pairs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]string, 0, end-offset)
	for _, p := range pairs[offset:end] {
		out = append(out, p.id)
	}
	return out
}
