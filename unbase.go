// Package unbase is an embeddable document store with live,
// incrementally-maintained queries: records identified by string keys
// inside named indexes, an inverted-index query language with sort and
// pagination, and subscriptions that emit change notifications as writes
// land. See DESIGN.md for how each package grounds the external
// IndexEngine and RecordStore collaborator contracts this package wires
// together.
package unbase

import (
	"encoding/json"
	"log/slog"

	"github.com/syntrixbase/unbase/internal/config"
	"github.com/syntrixbase/unbase/internal/doc"
	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/indexengine"
	"github.com/syntrixbase/unbase/internal/jobs"
	"github.com/syntrixbase/unbase/internal/kv"
	"github.com/syntrixbase/unbase/internal/mutate"
	"github.com/syntrixbase/unbase/internal/schema"
	"github.com/syntrixbase/unbase/internal/view"
	"github.com/syntrixbase/unbase/internal/viewmanager"
)

// Kind re-exports errs.Kind so callers can branch on error category
// without importing an internal package.
type Kind = errs.Kind

const (
	NotFound      = errs.NotFound
	AlreadyExists = errs.AlreadyExists
	Busy          = errs.Busy
	InvalidSchema = errs.InvalidSchema
	InvalidQuery  = errs.InvalidQuery
	InvalidUpdate = errs.InvalidUpdate
	Aborted       = errs.Aborted
	Storage       = errs.Storage
)

// DB is the facade: the one type embedders construct and hold onto.
type DB struct {
	logger *slog.Logger
	cfg    config.Config

	store    *kv.Store
	registry *schema.Registry
	engine   *indexengine.MemEngine
	jobs     *jobs.Manager
	views    *viewmanager.Manager
	mutator  *mutate.Mutator
	admin    *mutate.Admin
}

// Open constructs a DB backed by a bbolt file at cfg.DBFile, loading any
// previously persisted index schemas.
func Open(cfg config.Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := kv.Open(kv.Options{Path: cfg.DBFile, QueueBufSize: cfg.ViewQueueBufSize, Logger: logger})
	if err != nil {
		return nil, err
	}
	registry, err := schema.NewRegistry(store, cfg.BasePath)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine := indexengine.NewMemEngine()
	jm := jobs.NewManager(logger)
	vm := viewmanager.New(logger, store, engine, store, decodeRecord, registry.RecordsBucket)
	mutator := mutate.New(logger, store, engine, vm, registry)
	admin := mutate.NewAdmin(logger, store, engine, vm, registry, jm)

	return &DB{
		logger:   logger.With("component", "unbase"),
		cfg:      cfg,
		store:    store,
		registry: registry,
		engine:   engine,
		jobs:     jm,
		views:    vm,
		mutator:  mutator,
		admin:    admin,
	}, nil
}

func decodeRecord(body []byte) (map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// --- Admin lifecycle -------------------------------------------------

func (db *DB) CreateIndex(idx schema.Index) (string, error) { return db.admin.CreateIndex(idx) }
func (db *DB) UpdateIndex(idx schema.Index) (string, error) { return db.admin.UpdateIndex(idx) }
func (db *DB) DeleteIndex(indexID string) (string, error)   { return db.admin.DeleteIndex(indexID) }
func (db *DB) Reindex(indexID string, fieldIDs ...string) (string, error) {
	return db.admin.Reindex(indexID, fieldIDs)
}
func (db *DB) AddField(indexID string, field schema.Field) (string, error) {
	return db.admin.AddField(indexID, field)
}
func (db *DB) UpdateField(indexID string, field schema.Field) (string, error) {
	return db.admin.UpdateField(indexID, field)
}
func (db *DB) DeleteField(indexID, fieldID string) (string, error) {
	return db.admin.DeleteField(indexID, fieldID)
}
func (db *DB) AddSorter(indexID string, sorter schema.Sorter) (string, error) {
	return db.admin.AddSorter(indexID, sorter)
}
func (db *DB) UpdateSorter(indexID string, sorter schema.Sorter) (string, error) {
	return db.admin.UpdateSorter(indexID, sorter)
}
func (db *DB) DeleteSorter(indexID, sorterID string) (string, error) {
	return db.admin.DeleteSorter(indexID, sorterID)
}
func (db *DB) GetIndex(indexID string) (schema.Index, error) { return db.admin.GetIndex(indexID) }

// --- Records -----------------------------------------------------------

// Insert unconditionally writes record at id within index.
func (db *DB) Insert(index, id string, record map[string]any) error {
	return db.mutator.Insert(index, id, doc.Doc(record))
}

// Update sparse-merges patch onto the record at id, applying the sugared
// "+N"/"-N" numeric increment and "±tag" toggle forms where they match.
func (db *DB) Update(index, id string, patch map[string]any) error {
	return db.mutator.Update(index, id, patch)
}

// UpdateWith runs transform under the record's lock; see mutate.Transform.
func (db *DB) UpdateWith(index, id string, transform mutate.Transform) error {
	return db.mutator.UpdateWith(index, id, transform)
}

// Delete removes the record at id and its index projections.
func (db *DB) Delete(index, id string) error { return db.mutator.Delete(index, id) }

// Get fetches one record body. Returns (nil, false, nil) if absent.
func (db *DB) Get(index, id string) (map[string]any, bool, error) {
	idx, ok := db.registry.Get(index)
	if !ok {
		return nil, false, errs.Newf(errs.NotFound, "index %q not found", index)
	}
	raw, ok, err := db.storeGet(idx.ID, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err := decodeRecord(raw)
	return rec, true, err
}

func (db *DB) storeGet(indexID, id string) ([]byte, bool, error) {
	return db.store.Get(db.registry.RecordsBucket(indexID), id)
}

// GetMulti fetches several record bodies in one call. Missing ids are
// omitted from the result.
func (db *DB) GetMulti(index string, ids []string) (map[string]map[string]any, error) {
	idx, ok := db.registry.Get(index)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "index %q not found", index)
	}
	raw, err := db.store.GetMulti(db.registry.RecordsBucket(idx.ID), ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(raw))
	for id, body := range raw {
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, errs.Wrap(errs.Storage, "decoding record", err)
		}
		out[id] = rec
	}
	return out, nil
}

// RecordInput is one entry of a bulkInsert call.
type RecordInput struct {
	ID   string
	Data map[string]any
}

// BulkInsert inserts every record, stopping at (and returning) the first
// error.
func (db *DB) BulkInsert(index string, records []RecordInput) error {
	for _, r := range records {
		if err := db.Insert(index, r.ID, r.Data); err != nil {
			return err
		}
	}
	return nil
}

// BulkUpdate applies patch to every id in ids, stopping at the first
// error.
func (db *DB) BulkUpdate(index string, ids []string, patch map[string]any) error {
	for _, id := range ids {
		if err := db.Update(index, id, patch); err != nil {
			return err
		}
	}
	return nil
}

// BulkDelete deletes every id in ids, stopping at the first error.
func (db *DB) BulkDelete(index string, ids []string) error {
	for _, id := range ids {
		if err := db.Delete(index, id); err != nil {
			return err
		}
	}
	return nil
}

// --- Queries -------------------------------------------------------

// Subscribe parses query against index, creates or reuses its View, and
// returns a live Subscriber windowed to opts.
func (db *DB) Subscribe(index, query string, opts SearchOptions) (*view.Subscriber, error) {
	idx, ok := db.registry.Get(index)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "index %q not found", index)
	}
	sortBy, sortDir, sortType := opts.sortDefaults()
	return db.views.Subscribe(idx, query, sortBy, sortDir, sortType, view.WindowOpts{Offset: opts.Offset, Limit: opts.Limit})
}

// SubscribeSummary attaches to the running value histogram of fieldID,
// the #summary: query's live counterpart.
func (db *DB) SubscribeSummary(index, fieldID string) (*view.SummarySubscriber, error) {
	idx, ok := db.registry.Get(index)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "index %q not found", index)
	}
	return db.views.SubscribeSummary(idx, fieldID)
}

// WaitForAllJobs blocks until every job tracked at the time of the call
// finishes, waiting on each job's completion rather than polling, and
// returns the first job error. Jobs created after the call are not waited
// for.
func (db *DB) WaitForAllJobs() error { return db.jobs.WaitForAll() }

// Shutdown waits for in-flight jobs, then closes the underlying store.
func (db *DB) Shutdown() error {
	if err := db.jobs.WaitForAll(); err != nil {
		db.logger.Error("jobs failed during shutdown", "error", err)
	}
	return db.store.Close()
}

// Stats summarises the store's current size, returned by GetStats.
type Stats struct {
	Indexes int
	Jobs    int
}

// GetStats reports coarse counters over the store's current state.
func (db *DB) GetStats() Stats {
	return Stats{Indexes: len(db.registry.List()), Jobs: db.jobs.Count()}
}
