package doc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTopLevel(t *testing.T) {
	d := Doc{"Status": "open"}
	v, ok := Resolve(d, "/Status")
	assert.True(t, ok)
	assert.Equal(t, "open", v)
}

func TestResolveNestedPath(t *testing.T) {
	d := Doc{"Comments": []any{
		map[string]any{"Comment": "first"},
		map[string]any{"Comment": "second"},
	}}
	v, ok := Resolve(d, "/Comments/1/Comment")
	assert.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestResolveMissingKey(t *testing.T) {
	d := Doc{"Status": "open"}
	_, ok := Resolve(d, "/Missing")
	assert.False(t, ok)
}

func TestResolveOutOfRangeIndex(t *testing.T) {
	d := Doc{"Tags": []any{"a", "b"}}
	_, ok := Resolve(d, "/Tags/5")
	assert.False(t, ok)
}

func TestResolveLengthOfArray(t *testing.T) {
	d := Doc{"Comments": []any{"a", "b", "c"}}
	v, ok := Resolve(d, "/Comments/length")
	assert.True(t, ok)
	assert.Equal(t, float64(3), v)
}

func TestResolveLengthOfString(t *testing.T) {
	d := Doc{"Title": "hello"}
	v, ok := Resolve(d, "/Title/length")
	assert.True(t, ok)
	assert.Equal(t, float64(5), v)
}

func TestResolveLengthOfMissingPathFails(t *testing.T) {
	d := Doc{"Title": "hello"}
	_, ok := Resolve(d, "/Missing/length")
	assert.False(t, ok)
}

func TestResolveRootPath(t *testing.T) {
	d := Doc{"a": 1}
	v, ok := Resolve(d, "/")
	assert.True(t, ok)
	assert.Equal(t, d, v)
}

func TestCloneIsIndependentAtTopLevel(t *testing.T) {
	d := Doc{"a": 1}
	c := Clone(d)
	c["a"] = 2
	assert.Equal(t, 1, d["a"])
	assert.Equal(t, 2, c["a"])
}
