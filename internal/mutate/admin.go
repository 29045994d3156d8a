package mutate

import (
	"encoding/json"
	"log/slog"

	"github.com/syntrixbase/unbase/internal/doc"
	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/jobs"
	"github.com/syntrixbase/unbase/internal/schema"
)

// AdminStore is the slice of kv.Store the Admin lifecycle needs, beyond
// what Store already covers: paged iteration for the reindex loop and
// whole-bucket teardown for deleteIndex.
type AdminStore interface {
	Store
	HashEachPage(bucket string, pageSize int, pageFn func(keys []string) error) error
	HashDeleteAll(bucket string) error
}

// AdminRegistry is the slice of schema.Registry the Admin lifecycle needs.
type AdminRegistry interface {
	Registry
	Exists(id string) bool
	Create(idx schema.Index) error
	Put(idx schema.Index) error
	Delete(id string) error
}

// AdminEngine is the slice of indexengine.Engine/MemEngine the Admin
// lifecycle needs, beyond the write-path Engine.
type AdminEngine interface {
	Engine
	DropIndex(indexID string)
}

// AdminNotifier is the slice of viewmanager.Manager the Admin lifecycle
// needs.
type AdminNotifier interface {
	DestroyIndex(indexID string)
}

const reindexPageSize = 256

// Admin implements field/sorter/index lifecycle operations.
type Admin struct {
	logger   *slog.Logger
	store    AdminStore
	engine   AdminEngine
	notifier AdminNotifier
	registry AdminRegistry
	jobs     *jobs.Manager
}

// NewAdmin builds an Admin.
func NewAdmin(logger *slog.Logger, store AdminStore, engine AdminEngine, notifier AdminNotifier, registry AdminRegistry, jm *jobs.Manager) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{logger: logger.With("component", "admin"), store: store, engine: engine, notifier: notifier, registry: registry, jobs: jm}
}

// gate enforces the common admin precondition: index must (not) already
// exist, and no job may currently be running against it.
func (a *Admin) gate(indexID string, mustExist bool) (schema.Index, error) {
	idx, exists := a.registry.Get(indexID)
	if mustExist && !exists {
		return schema.Index{}, errs.Newf(errs.NotFound, "index %q not found", indexID)
	}
	if !mustExist && exists {
		return schema.Index{}, errs.Newf(errs.AlreadyExists, "index %q already exists", indexID)
	}
	if a.jobs.CountFor(indexID) > 0 {
		return schema.Index{}, errs.Newf(errs.Busy, "index %q has a job in progress", indexID)
	}
	return idx, nil
}

// allIDs snapshots every record id for indexID via a single paged scan,
// since the pager share-locks the hash and a concurrent full-index
// mutation over the same bucket would deadlock.
func (a *Admin) allIDs(indexID string) ([]string, error) {
	var ids []string
	err := a.store.HashEachPage(a.registry.IDsBucket(indexID), reindexPageSize, func(page []string) error {
		ids = append(ids, page...)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "paging record ids", err)
	}
	return ids, nil
}

// reindexAll runs idx against every stored record, advancing job.Processed
// by one per record. UpdateField runs it twice (a scrub pass, then a live
// pass) and sizes job.Total at 2x len(ids) so Processed/Total still lands
// at 1.0 once both passes finish; every other caller, Reindex included,
// runs a single pass.
func (a *Admin) reindexAll(job *jobs.Job, idx schema.Index) error {
	ids, err := a.allIDs(idx.ID)
	if err != nil {
		return err
	}
	bucket := a.registry.RecordsBucket(idx.ID)
	for _, id := range ids {
		raw, ok, err := a.store.Get(bucket, id)
		if err != nil {
			return errs.Wrap(errs.Storage, "reading record for reindex", err)
		}
		if !ok {
			continue
		}
		var record doc.Doc
		if err := json.Unmarshal(raw, &record); err != nil {
			return errs.Wrap(errs.Storage, "decoding record for reindex", err)
		}
		if _, err := a.engine.IndexRecord(id, record, idx); err != nil {
			return errs.Wrap(errs.Storage, "reindexing record", err)
		}
		a.jobs.Advance(job.ID, 1)
	}
	return nil
}

// CreateIndex registers a brand-new index schema. There is no record
// backlog to index, so the job completes immediately.
func (a *Admin) CreateIndex(idx schema.Index) (string, error) {
	if _, err := a.gate(idx.ID, false); err != nil {
		return "", err
	}
	job := a.jobs.Create(idx.ID, "create_index", 0)
	err := a.registry.Create(idx)
	a.jobs.Finish(job.ID, err)
	return job.ID, err
}

// UpdateIndex overwrites remove_words or other whole-index settings and
// reindexes every record against the updated schema.
func (a *Admin) UpdateIndex(idx schema.Index) (string, error) {
	if _, err := a.gate(idx.ID, true); err != nil {
		return "", err
	}
	ids, err := a.allIDs(idx.ID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(idx.ID, "update_index", len(ids))
	go func() {
		err := a.registry.Put(idx)
		if err == nil {
			err = a.reindexAll(job, idx)
		}
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// DeleteIndex destroys every view registered for the index (broadcasting
// destroy to their subscribers), then drops its schema, record bodies and
// in-memory index state.
func (a *Admin) DeleteIndex(indexID string) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "delete_index", 0)
	a.notifier.DestroyIndex(indexID)
	a.engine.DropIndex(indexID)
	if err := a.store.HashDeleteAll(a.registry.RecordsBucket(indexID)); err != nil {
		a.jobs.Finish(job.ID, err)
		return job.ID, err
	}
	if err := a.store.HashDeleteAll(a.registry.IDsBucket(indexID)); err != nil {
		a.jobs.Finish(job.ID, err)
		return job.ID, err
	}
	err = a.registry.Delete(indexID)
	a.jobs.Finish(job.ID, err)
	_ = idx
	return job.ID, err
}

// Reindex rebuilds the inverted index for indexID from its stored
// records, optionally restricted to fieldIDs.
func (a *Admin) Reindex(indexID string, fieldIDs []string) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	if len(fieldIDs) > 0 {
		want := make(map[string]bool, len(fieldIDs))
		for _, id := range fieldIDs {
			want[id] = true
		}
		filtered := idx.Clone()
		fields := filtered.Fields[:0]
		for _, f := range idx.Fields {
			if want[f.ID] {
				fields = append(fields, f)
			}
		}
		filtered.Fields = fields
		idx = filtered
	}
	ids, err := a.allIDs(indexID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "reindex", len(ids))
	go func() {
		err := a.reindexAll(job, idx)
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// AddField persists a new field definition then indexes every record
// against it once.
func (a *Admin) AddField(indexID string, field schema.Field) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	next := idx.Clone()
	next.Fields = append(next.Fields, field)
	if err := next.Validate(); err != nil {
		return "", err
	}
	ids, err := a.allIDs(indexID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "add_field", len(ids))
	go func() {
		err := a.registry.Put(next)
		if err == nil {
			err = a.reindexAll(job, next)
		}
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// UpdateField runs the per-record loop twice: once with the old
// definition marked delete=true to scrub stale entries (progress
// 0→0.5), then with the new definition in place (0.5→1.0).
func (a *Admin) UpdateField(indexID string, field schema.Field) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	old, ok := idx.FieldByID(field.ID)
	if !ok {
		return "", errs.Newf(errs.NotFound, "field %q not found on index %q", field.ID, indexID)
	}
	old.Delete = true

	scrub := idx.Clone()
	for i, f := range scrub.Fields {
		if f.ID == field.ID {
			scrub.Fields[i] = old
		}
	}
	next := idx.Clone()
	for i, f := range next.Fields {
		if f.ID == field.ID {
			next.Fields[i] = field
		}
	}

	ids, err := a.allIDs(indexID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "update_field", 2*len(ids))
	go func() {
		err := a.reindexAll(job, scrub)
		if err == nil {
			err = a.registry.Put(next)
		}
		if err == nil {
			err = a.reindexAll(job, next)
		}
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// DeleteField marks the field delete=true, re-indexes every record to
// scrub it from the inverted index, then removes its definition.
func (a *Admin) DeleteField(indexID, fieldID string) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	field, ok := idx.FieldByID(fieldID)
	if !ok {
		return "", errs.Newf(errs.NotFound, "field %q not found on index %q", fieldID, indexID)
	}
	field.Delete = true
	scrub := idx.Clone()
	for i, f := range scrub.Fields {
		if f.ID == fieldID {
			scrub.Fields[i] = field
		}
	}

	final := idx.Clone()
	fields := final.Fields[:0]
	for _, f := range idx.Fields {
		if f.ID != fieldID {
			fields = append(fields, f)
		}
	}
	final.Fields = fields

	ids, err := a.allIDs(indexID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "delete_field", len(ids))
	go func() {
		err := a.reindexAll(job, scrub)
		if err == nil {
			err = a.registry.Put(final)
		}
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// AddSorter persists a new sorter definition then projects every record
// into it once.
func (a *Admin) AddSorter(indexID string, sorter schema.Sorter) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	next := idx.Clone()
	next.Sorters = append(next.Sorters, sorter)
	if err := next.Validate(); err != nil {
		return "", err
	}
	ids, err := a.allIDs(indexID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "add_sorter", len(ids))
	go func() {
		err := a.registry.Put(next)
		if err == nil {
			err = a.reindexAll(job, next)
		}
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// UpdateSorter replaces a sorter's source/type and reprojects every
// record.
func (a *Admin) UpdateSorter(indexID string, sorter schema.Sorter) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	if _, ok := idx.SorterByID(sorter.ID); !ok {
		return "", errs.Newf(errs.NotFound, "sorter %q not found on index %q", sorter.ID, indexID)
	}
	next := idx.Clone()
	for i, s := range next.Sorters {
		if s.ID == sorter.ID {
			next.Sorters[i] = sorter
		}
	}
	ids, err := a.allIDs(indexID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "update_sorter", len(ids))
	go func() {
		err := a.registry.Put(next)
		if err == nil {
			err = a.reindexAll(job, next)
		}
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// DeleteSorter marks the sorter delete=true, reprojects to drop its
// btree, then removes its definition. The not-found error names the
// sorter id, per the corrected form of this operation (Open Question
// decision in the design notes).
func (a *Admin) DeleteSorter(indexID, sorterID string) (string, error) {
	idx, err := a.gate(indexID, true)
	if err != nil {
		return "", err
	}
	sorter, ok := idx.SorterByID(sorterID)
	if !ok {
		return "", errs.Newf(errs.NotFound, "sorter %q not found on index %q", sorterID, indexID)
	}
	sorter.Delete = true
	scrub := idx.Clone()
	for i, s := range scrub.Sorters {
		if s.ID == sorterID {
			scrub.Sorters[i] = sorter
		}
	}

	final := idx.Clone()
	sorters := final.Sorters[:0]
	for _, s := range idx.Sorters {
		if s.ID != sorterID {
			sorters = append(sorters, s)
		}
	}
	final.Sorters = sorters

	ids, err := a.allIDs(indexID)
	if err != nil {
		return "", err
	}
	job := a.jobs.Create(indexID, "delete_sorter", len(ids))
	go func() {
		err := a.reindexAll(job, scrub)
		if err == nil {
			err = a.registry.Put(final)
		}
		a.jobs.Finish(job.ID, err)
	}()
	return job.ID, nil
}

// GetIndex returns the schema for id, the corrected this.indexes[key]
// form rather than the original's this.this.indexes[key] bug.
func (a *Admin) GetIndex(id string) (schema.Index, error) {
	idx, ok := a.registry.Get(id)
	if !ok {
		return schema.Index{}, errs.Newf(errs.NotFound, "index %q not found", id)
	}
	return idx, nil
}
