// Package schema defines index schemas (fields + sorters) and the registry
// that persists them as one hash at "<base>/indexes".
package schema

import (
	"regexp"

	"github.com/syntrixbase/unbase/internal/errs"
)

var idPattern = regexp.MustCompile(`^\w+$`)

var reservedFieldIDs = map[string]bool{"_id": true, "_data": true, "_sorters": true}
var reservedSorterIDs = map[string]bool{"_id": true, "_data": true}

// Field is one configured projection of record data into the inverted
// index. Type and Filter name capabilities the IndexEngine advertises; this
// package does not validate them beyond shape, since capability naming is
// the IndexEngine's contract.
type Field struct {
	ID              string `json:"id" yaml:"id"`
	Source          string `json:"source" yaml:"source"`
	Type            string `json:"type,omitempty" yaml:"type,omitempty"`
	Filter          string `json:"filter,omitempty" yaml:"filter,omitempty"`
	MinWordLength   int    `json:"min_word_length,omitempty" yaml:"min_word_length,omitempty"`
	MaxWordLength   int    `json:"max_word_length,omitempty" yaml:"max_word_length,omitempty"`
	UseRemoveWords  bool   `json:"use_remove_words,omitempty" yaml:"use_remove_words,omitempty"`
	UseStemmer      bool   `json:"use_stemmer,omitempty" yaml:"use_stemmer,omitempty"`
	MasterList      bool   `json:"master_list,omitempty" yaml:"master_list,omitempty"`
	DefaultValue    any    `json:"default_value,omitempty" yaml:"default_value,omitempty"`

	// Delete is a transient flag, set only for the duration of a reindex
	// pass that removes this field from the physical index. Never
	// persisted.
	Delete bool `json:"-" yaml:"-"`
}

// Sorter is one configured projection of record data into a sort key.
type Sorter struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Type   string `json:"type,omitempty" yaml:"type,omitempty"`

	Delete bool `json:"-" yaml:"-"`
}

// Index is a persistent index schema.
type Index struct {
	ID          string   `json:"id" yaml:"id"`
	BasePath    string   `json:"-" yaml:"-"` // derived, never persisted by the caller
	Fields      []Field  `json:"fields" yaml:"fields"`
	Sorters     []Sorter `json:"sorters" yaml:"sorters"`
	RemoveWords []string `json:"remove_words,omitempty" yaml:"remove_words,omitempty"`
}

// Clone returns a deep-enough copy that mutating the result's slices never
// aliases idx's.
func (idx Index) Clone() Index {
	out := idx
	out.Fields = append([]Field(nil), idx.Fields...)
	out.Sorters = append([]Sorter(nil), idx.Sorters...)
	out.RemoveWords = append([]string(nil), idx.RemoveWords...)
	return out
}

// FieldByID returns the field with the given id, if any.
func (idx Index) FieldByID(id string) (Field, bool) {
	for _, f := range idx.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// SorterByID returns the sorter with the given id, if any.
func (idx Index) SorterByID(id string) (Sorter, bool) {
	for _, s := range idx.Sorters {
		if s.ID == id {
			return s, true
		}
	}
	return Sorter{}, false
}

// Validate checks the structural invariants from the data model: valid,
// non-reserved, unique ids; a non-empty field list.
func (idx Index) Validate() error {
	if !idPattern.MatchString(idx.ID) {
		return errs.Newf(errs.InvalidSchema, "invalid index id %q", idx.ID)
	}
	if len(idx.Fields) == 0 {
		return errs.New(errs.InvalidSchema, "index must define at least one field")
	}
	seen := map[string]bool{}
	for _, f := range idx.Fields {
		if err := validateFieldID(f.ID); err != nil {
			return err
		}
		if seen[f.ID] {
			return errs.Newf(errs.InvalidSchema, "duplicate field id %q", f.ID)
		}
		seen[f.ID] = true
	}
	seen = map[string]bool{}
	for _, s := range idx.Sorters {
		if err := validateSorterID(s.ID); err != nil {
			return err
		}
		if seen[s.ID] {
			return errs.Newf(errs.InvalidSchema, "duplicate sorter id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func validateFieldID(id string) error {
	if !idPattern.MatchString(id) {
		return errs.Newf(errs.InvalidSchema, "invalid field id %q", id)
	}
	if reservedFieldIDs[id] {
		return errs.Newf(errs.InvalidSchema, "field id %q is reserved", id)
	}
	return nil
}

func validateSorterID(id string) error {
	if !idPattern.MatchString(id) {
		return errs.Newf(errs.InvalidSchema, "invalid sorter id %q", id)
	}
	if reservedSorterIDs[id] {
		return errs.Newf(errs.InvalidSchema, "sorter id %q is reserved", id)
	}
	return nil
}
