package indexengine

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderKeyNumberOrdering(t *testing.T) {
	values := []float64{-100, -1.5, -0.001, 0, 0.001, 1.5, 100, math.MaxFloat64}
	var keys [][]byte
	for _, v := range values {
		keys = append(keys, orderKey(v, "x"))
	}
	sorted := append([][]byte(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, keys, sorted)
}

func TestOrderKeyStringOrdering(t *testing.T) {
	values := []string{"", "a", "ab", "b", "ba"}
	var keys [][]byte
	for _, v := range values {
		keys = append(keys, orderKey(v, "x"))
	}
	sorted := append([][]byte(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, keys, sorted)
}

func TestOrderKeyNullSortsBeforeEverything(t *testing.T) {
	nullKey := orderKey(nil, "x")
	numKey := orderKey(1.0, "x")
	strKey := orderKey("a", "x")
	assert.True(t, bytes.Compare(nullKey, numKey) < 0)
	assert.True(t, bytes.Compare(nullKey, strKey) < 0)
}

func TestOrderKeyIDBreaksTies(t *testing.T) {
	a := orderKey(1.0, "a")
	b := orderKey(1.0, "b")
	assert.True(t, bytes.Compare(a, b) < 0)
}

func TestOrderKeyEscapesEmbeddedNull(t *testing.T) {
	withNull := orderKey("a\x00b", "x")
	without := orderKey("ab", "x")
	assert.NotEqual(t, withNull, without)
}
