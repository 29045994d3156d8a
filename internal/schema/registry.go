package schema

import (
	"encoding/json"
	"sync"

	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/kv"
)

// IndexesBucket is the name, under the registry's base path, of the hash
// holding every index's persisted schema.
const IndexesBucket = "indexes"

// Registry is the in-memory catalog of index schemas, persisted as one hash
// under <base>/indexes.
type Registry struct {
	basePath string
	store    *kv.Store

	mu      sync.RWMutex
	indexes map[string]Index
}

// NewRegistry loads the registry from store, deriving each index's
// BasePath as "<basePath>/index/<id>".
func NewRegistry(store *kv.Store, basePath string) (*Registry, error) {
	r := &Registry{
		basePath: basePath,
		store:    store,
		indexes:  make(map[string]Index),
	}
	raw, err := store.HashGetAll(r.indexesBucket())
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "loading index registry", err)
	}
	for id, data := range raw {
		var idx Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, errs.Wrapf(errs.Storage, "decoding schema for index %q", err, id)
		}
		idx.BasePath = r.basePathFor(id)
		r.indexes[id] = idx
	}
	return r, nil
}

func (r *Registry) basePathFor(id string) string {
	return r.basePath + "/index/" + id
}

func (r *Registry) indexesBucket() string {
	return r.basePath + "/" + IndexesBucket
}

// RecordsBucket returns the bucket name used for record bodies of index id.
func (r *Registry) RecordsBucket(id string) string { return "records:" + id }

// IDsBucket returns the bucket name used for the id-enumeration hash of
// index id.
func (r *Registry) IDsBucket(id string) string { return r.basePathFor(id) + "/_id" }

// Get returns the schema for id.
func (r *Registry) Get(id string) (Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.indexes[id]
	return idx, ok
}

// Exists reports whether an index named id is registered.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns every registered index id.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.indexes))
	for id := range r.indexes {
		out = append(out, id)
	}
	return out
}

// Create registers a brand-new index. Fails with AlreadyExists if id is
// already registered.
func (r *Registry) Create(idx Index) error {
	if err := idx.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[idx.ID]; ok {
		return errs.Newf(errs.AlreadyExists, "index %q already exists", idx.ID)
	}
	idx.BasePath = r.basePathFor(idx.ID)
	if err := r.persistLocked(idx); err != nil {
		return err
	}
	r.indexes[idx.ID] = idx
	return nil
}

// Put persists an already-validated index schema, overwriting any prior
// definition. Used by admin operations that mutate fields/sorters in place.
func (r *Registry) Put(idx Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx.BasePath = r.basePathFor(idx.ID)
	if err := r.persistLocked(idx); err != nil {
		return err
	}
	r.indexes[idx.ID] = idx
	return nil
}

func (r *Registry) persistLocked(idx Index) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return errs.Wrap(errs.Storage, "encoding schema", err)
	}
	if err := r.store.HashPut(r.indexesBucket(), idx.ID, data); err != nil {
		return errs.Wrap(errs.Storage, "persisting schema", err)
	}
	return nil
}

// Delete removes id from the registry and its persisted hash entry. It does
// not remove record bodies or id-enumeration buckets; callers (the Mutator
// admin path) handle that.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[id]; !ok {
		return errs.Newf(errs.NotFound, "index %q not found", id)
	}
	if err := r.store.HashDelete(r.indexesBucket(), id); err != nil {
		return errs.Wrap(errs.Storage, "deleting schema", err)
	}
	delete(r.indexes, id)
	return nil
}
