// Package mutate implements the write path: the Mutator (insert/update/
// delete) and the Admin lifecycle operations (createIndex..deleteSorter),
// both built on internal/kv's per-key locks and internal/indexengine's
// indexing contract, notifying internal/viewmanager on every write.
package mutate

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/syntrixbase/unbase/internal/doc"
	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/indexengine"
	"github.com/syntrixbase/unbase/internal/schema"
	"github.com/syntrixbase/unbase/internal/view"
)

// Store is the slice of kv.Store the write path needs.
type Store interface {
	Lock(key string) (unlock func())
	Get(bucket, key string) ([]byte, bool, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	HashPut(bucket, field string, value []byte) error
	HashDelete(bucket, field string) error
}

// Engine is the slice of indexengine.Engine the write path needs.
type Engine interface {
	IndexRecord(id string, record doc.Doc, idx schema.Index) (indexengine.ChangeState, error)
	UnindexRecord(id string, idx schema.Index) (indexengine.ChangeState, error)
}

// Notifier is the slice of viewmanager.Manager the write path needs.
type Notifier interface {
	UpdateViews(indexID string, state view.ChangeState)
}

// Registry is the slice of schema.Registry the write path needs.
type Registry interface {
	Get(id string) (schema.Index, bool)
	RecordsBucket(id string) string
	IDsBucket(id string) string
}

// Mutator performs locked, index-synchronised writes against one index.
type Mutator struct {
	logger   *slog.Logger
	store    Store
	engine   Engine
	notifier Notifier
	registry Registry
}

// New builds a Mutator.
func New(logger *slog.Logger, store Store, engine Engine, notifier Notifier, registry Registry) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{logger: logger.With("component", "mutator"), store: store, engine: engine, notifier: notifier, registry: registry}
}

func lockKey(indexID, id string) string { return "records/" + indexID + "/" + id }

func (m *Mutator) indexOf(indexID string) (schema.Index, error) {
	idx, ok := m.registry.Get(indexID)
	if !ok {
		return schema.Index{}, errs.Newf(errs.NotFound, "index %q not found", indexID)
	}
	return idx, nil
}

// Insert unconditionally writes record at id, replacing whatever was
// there before.
func (m *Mutator) Insert(indexID, id string, record doc.Doc) error {
	idx, err := m.indexOf(indexID)
	if err != nil {
		return err
	}

	unlock := m.store.Lock(lockKey(indexID, id))
	defer unlock()

	body, err := json.Marshal(record)
	if err != nil {
		return errs.Wrap(errs.InvalidUpdate, "encoding record", err)
	}
	if err := m.store.Put(m.registry.RecordsBucket(indexID), id, body); err != nil {
		return errs.Wrap(errs.Storage, "writing record", err)
	}
	if err := m.store.HashPut(m.registry.IDsBucket(indexID), id, []byte{1}); err != nil {
		return errs.Wrap(errs.Storage, "registering record id", err)
	}

	state, err := m.engine.IndexRecord(id, record, idx)
	if err != nil {
		return errs.Wrap(errs.Storage, "indexing record", err)
	}

	m.notifier.UpdateViews(indexID, view.ChangeState{
		Action: "insert", ID: id, IdxData: state.IdxData, NewRecord: state.NewRecord, Changed: state.Changed,
	})
	return nil
}

// Transform is a caller-supplied update function: given the current
// record (nil if it doesn't exist), it returns the new record body, or
// aborts the write by returning ErrAbortUpdate.
type Transform func(current doc.Doc) (doc.Doc, error)

// ErrAbortUpdate is the sentinel a Transform returns to abort an update
// without error; Update surfaces it as an errs.Aborted error.
var ErrAbortUpdate = errs.New(errs.Aborted, "update aborted by caller")

// Update performs a sparse merge of patch onto the stored record, under
// the same lock as the read, so the read and the write are atomic with
// respect to concurrent writers.
func (m *Mutator) Update(indexID, id string, patch map[string]any) error {
	return m.updateLocked(indexID, id, func(current doc.Doc) (doc.Doc, error) {
		return applyPatch(current, patch), nil
	})
}

// UpdateWith runs transform under the record's lock, for callers that need
// arbitrary read-modify-write logic beyond the sparse-patch form.
func (m *Mutator) UpdateWith(indexID, id string, transform Transform) error {
	return m.updateLocked(indexID, id, transform)
}

func (m *Mutator) updateLocked(indexID, id string, transform Transform) error {
	idx, err := m.indexOf(indexID)
	if err != nil {
		return err
	}

	unlock := m.store.Lock(lockKey(indexID, id))
	defer unlock()

	bucket := m.registry.RecordsBucket(indexID)
	raw, exists, err := m.store.Get(bucket, id)
	if err != nil {
		return errs.Wrap(errs.Storage, "reading record", err)
	}

	var current doc.Doc
	if exists {
		if err := json.Unmarshal(raw, &current); err != nil {
			return errs.Wrap(errs.Storage, "decoding record", err)
		}
	}

	next, err := transform(current)
	if err != nil {
		if err == ErrAbortUpdate {
			return ErrAbortUpdate
		}
		return errs.Wrap(errs.InvalidUpdate, "applying update", err)
	}

	body, err := json.Marshal(next)
	if err != nil {
		return errs.Wrap(errs.InvalidUpdate, "encoding record", err)
	}
	if err := m.store.Put(bucket, id, body); err != nil {
		return errs.Wrap(errs.Storage, "writing record", err)
	}
	if !exists {
		if err := m.store.HashPut(m.registry.IDsBucket(indexID), id, []byte{1}); err != nil {
			return errs.Wrap(errs.Storage, "registering record id", err)
		}
	}

	state, err := m.engine.IndexRecord(id, next, idx)
	if err != nil {
		return errs.Wrap(errs.Storage, "indexing record", err)
	}

	m.notifier.UpdateViews(indexID, view.ChangeState{
		Action: "insert", ID: id, IdxData: state.IdxData, NewRecord: state.NewRecord, Changed: state.Changed,
	})
	return nil
}

// Delete removes record id and its index projections.
func (m *Mutator) Delete(indexID, id string) error {
	idx, err := m.indexOf(indexID)
	if err != nil {
		return err
	}

	unlock := m.store.Lock(lockKey(indexID, id))
	defer unlock()

	state, err := m.engine.UnindexRecord(id, idx)
	if err != nil {
		return errs.Wrap(errs.Storage, "unindexing record", err)
	}

	bucket := m.registry.RecordsBucket(indexID)
	if err := m.store.Delete(bucket, id); err != nil {
		return errs.Wrap(errs.Storage, "deleting record", err)
	}
	if err := m.store.HashDelete(m.registry.IDsBucket(indexID), id); err != nil {
		return errs.Wrap(errs.Storage, "deregistering record id", err)
	}

	m.notifier.UpdateViews(indexID, view.ChangeState{
		Action: "delete", ID: id, IdxData: state.IdxData,
	})
	return nil
}

// applyPatch merges patch onto current, applying the sugared "+N"/"-N"
// numeric increment form and the "±tag" comma-list tag-toggle form;
// every other value replaces outright.
func applyPatch(current doc.Doc, patch map[string]any) doc.Doc {
	out := doc.Clone(current)
	if out == nil {
		out = make(doc.Doc)
	}
	for field, newVal := range patch {
		s, isStr := newVal.(string)
		if !isStr {
			out[field] = newVal
			continue
		}
		if delta, ok := parseSignedNumber(s); ok {
			if existing, ok := toFloat(out[field]); ok {
				out[field] = existing + delta
				continue
			}
		}
		if isTagToggleString(s) {
			out[field] = applyTagToggles(asString(out[field]), s)
			continue
		}
		out[field] = newVal
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func parseSignedNumber(s string) (float64, bool) {
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return 0, false
	}
	n, err := strconv.ParseFloat(s[1:], 64)
	if err != nil {
		return 0, false
	}
	if s[0] == '-' {
		n = -n
	}
	return n, true
}

// isTagToggleString reports whether s looks like a whitespace-separated
// sequence of ±word tokens rather than a plain replacement string.
func isTagToggleString(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Fields(s) {
		if len(tok) < 2 || (tok[0] != '+' && tok[0] != '-') {
			return false
		}
	}
	return true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// applyTagToggles applies each ±word token in tokens, left to right,
// against the comma-separated tag set in current, and re-joins the
// deduplicated result with ", ".
func applyTagToggles(current, tokens string) string {
	tags := make(map[string]bool)
	var order []string
	for _, tag := range strings.Split(current, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !tags[tag] {
			tags[tag] = true
			order = append(order, tag)
		}
	}
	for _, tok := range strings.Fields(tokens) {
		word := tok[1:]
		switch tok[0] {
		case '+':
			if !tags[word] {
				tags[word] = true
				order = append(order, word)
			}
		case '-':
			if tags[word] {
				delete(tags, word)
				order = removeString(order, word)
			}
		}
	}
	return strings.Join(order, ", ")
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
