// Package viewmanager keys live views by (index_id, search_id), creating
// or reusing them on subscribe and fanning out write notifications onto
// the storage engine's single-consumer background queue so writers never
// block on view maintenance.
package viewmanager

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/syntrixbase/unbase/internal/indexengine"
	"github.com/syntrixbase/unbase/internal/schema"
	"github.com/syntrixbase/unbase/internal/view"
)

// Queue is the slice of kv.Store a ViewManager needs to serialise view
// updates with respect to other enqueued work.
type Queue interface {
	Enqueue(label string, handler func())
}

// Engine is the slice of indexengine.Engine a ViewManager needs to parse
// queries and build views.
type Engine interface {
	view.Engine
	ParseQuery(query string, idx schema.Index) (indexengine.ParsedQuery, error)
}

type key struct {
	indexID  string
	searchID string
}

// Manager keys live views by (index_id, search_id) and mediates every
// subscribe/notify against them.
type Manager struct {
	logger *slog.Logger

	queue  Queue
	engine Engine
	store  view.RecordStore
	decode view.Decoder

	recordsBktFor func(indexID string) string

	mu       sync.Mutex
	views    map[key]*view.View
	summarys map[key]*view.SummaryView
}

// New builds a Manager.
func New(logger *slog.Logger, queue Queue, engine Engine, store view.RecordStore, decode view.Decoder, recordsBktFor func(string) string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:        logger.With("component", "view_manager"),
		queue:         queue,
		engine:        engine,
		store:         store,
		decode:        decode,
		recordsBktFor: recordsBktFor,
		views:         make(map[key]*view.View),
		summarys:      make(map[key]*view.SummaryView),
	}
}

// searchID hashes the query's canonical signature with sort_by/sort_dir
// into a stable id: search_id = hash(query_signature | sort_by | sort_dir).
func searchID(q indexengine.ParsedQuery, sortBy string, sortDir int) string {
	sigHash := blake3.Sum256([]byte(q.Signature()))
	var dirBuf [4]byte
	binary.LittleEndian.PutUint32(dirBuf[:], uint32(int32(sortDir)))
	h := blake3.New()
	h.Write(sigHash[:])
	h.Write([]byte(sortBy))
	h.Write(dirBuf[:])
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Subscribe parses query, computes its search_id, creates or reuses the
// matching View, attaches a new Subscriber, and returns it synchronously.
func (m *Manager) Subscribe(idx schema.Index, query string, sortBy string, sortDir int, sortType string, opts view.WindowOpts) (*view.Subscriber, error) {
	if sortBy == "" {
		sortBy = "_id"
	}
	if sortDir == 0 {
		sortDir = 1
	}

	parsed, err := m.engine.ParseQuery(query, idx)
	if err != nil {
		return nil, err
	}
	sid := searchID(parsed, sortBy, sortDir)
	k := key{indexID: idx.ID, searchID: sid}

	m.mu.Lock()
	v, ok := m.views[k]
	m.mu.Unlock()
	if !ok {
		v, err = view.New(m.logger, m, m.engine, m.store, m.decode, idx, m.recordsBktFor(idx.ID), parsed, sid, sortBy, sortDir, sortType)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if existing, raced := m.views[k]; raced {
			v = existing
		} else {
			m.views[k] = v
		}
		m.mu.Unlock()
	}
	return v.Attach(opts), nil
}

// SubscribeSummary creates or reuses the SummaryView for (index, field)
// and attaches a new SummarySubscriber.
func (m *Manager) SubscribeSummary(idx schema.Index, fieldID string) (*view.SummarySubscriber, error) {
	k := key{indexID: idx.ID, searchID: "summary:" + fieldID}

	m.mu.Lock()
	sv, ok := m.summarys[k]
	m.mu.Unlock()
	if !ok {
		var err error
		sv, err = view.NewSummaryView(m.logger, m, m.engine, idx, fieldID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if existing, raced := m.summarys[k]; raced {
			sv = existing
		} else {
			m.summarys[k] = sv
		}
		m.mu.Unlock()
	}
	return sv.Attach(), nil
}

// Deregister removes a view or summary view from the manager, called by
// View/SummaryView.Destroy once its subscriber set becomes empty.
func (m *Manager) Deregister(indexID, searchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{indexID: indexID, searchID: searchID}
	delete(m.views, k)
	delete(m.summarys, k)
}

// UpdateViews enqueues a task that applies state to every view registered
// for indexID, run on the storage engine's single-consumer queue so it
// never runs inline with the Mutator's critical section.
func (m *Manager) UpdateViews(indexID string, state view.ChangeState) {
	m.queue.Enqueue("view-update:"+indexID, func() {
		m.mu.Lock()
		var views []*view.View
		var summarys []*view.SummaryView
		for k, v := range m.views {
			if k.indexID == indexID {
				views = append(views, v)
			}
		}
		for k, sv := range m.summarys {
			if k.indexID == indexID {
				summarys = append(summarys, sv)
			}
		}
		m.mu.Unlock()

		for _, v := range views {
			v.Update(state)
		}
		for _, sv := range summarys {
			sv.Update(state)
		}
	})
}

// DestroyIndex tears down every view registered for indexID, broadcasting
// destroy to their subscribers, per deleteIndex's requirement.
func (m *Manager) DestroyIndex(indexID string) {
	m.mu.Lock()
	var views []*view.View
	var summarys []*view.SummaryView
	for k, v := range m.views {
		if k.indexID == indexID {
			views = append(views, v)
		}
	}
	for k, sv := range m.summarys {
		if k.indexID == indexID {
			summarys = append(summarys, sv)
		}
	}
	m.mu.Unlock()

	for _, v := range views {
		v.Destroy()
	}
	for _, sv := range summarys {
		sv.Destroy()
	}
}
