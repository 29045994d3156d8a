// Package indexengine is a concrete IndexEngine external collaborator:
// it tokenises record fields into an inverted index, projects sorter
// values into an ordered index, and answers searchRecords / searchSingle /
// sortRecords / getFieldSummary. The boolean-query algebra itself (the
// PxQL grammar) is evaluated with a small embedded CEL program per query.
// This package supplies one implementation of the IndexEngine contract;
// other implementations remain free to index and query differently.
package indexengine

import (
	"github.com/syntrixbase/unbase/internal/doc"
	"github.com/syntrixbase/unbase/internal/schema"
)

// FieldValue is what one field projects a record into: either a token set
// (keyword/text fields) or a number (number fields).
type FieldValue struct {
	Tokens   map[string]bool
	Number   float64
	IsNumber bool
}

// IdxData is the per-record indexed representation handed back to callers
// (the Mutator, the View) so they can evaluate searchSingle and read
// sorter values without touching the inverted index itself.
type IdxData struct {
	Fields  map[string]FieldValue
	Sorters map[string]any // sorter id -> float64 or string
}

// ChangeState is returned by IndexRecord/UnindexRecord.
type ChangeState struct {
	ID        string
	IdxData   IdxData
	NewRecord bool
	Changed   map[string]bool
}

// SortPair is one entry of a materialised sort order.
type SortPair struct {
	ID    string
	Value any
}

// Engine is the IndexEngine contract: tokenisation, boolean query algebra,
// and the search/sort/summary operations a View or Mutator needs.
type Engine interface {
	// ParseQuery dispatches to the PxQL grammar (query wrapped in
	// parens) or the simple field:term grammar, and returns a
	// structure whose Signature() is stable across equivalent inputs.
	ParseQuery(query string, idx schema.Index) (ParsedQuery, error)

	IndexRecord(id string, record doc.Doc, idx schema.Index) (ChangeState, error)
	UnindexRecord(id string, idx schema.Index) (ChangeState, error)

	SearchRecords(q ParsedQuery, idx schema.Index) (map[string]bool, error)
	SearchSingle(q ParsedQuery, id string, data IdxData, idx schema.Index) (bool, error)
	SortRecords(hits map[string]bool, sortBy string, sortDir int, idx schema.Index) ([]SortPair, error)

	GetFieldSummary(fieldID string, idx schema.Index) (map[string]int, error)
}
