package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentEqualNormalizesNumbers(t *testing.T) {
	a := Content{"count": 1}
	b := Content{"count": float64(1)}
	assert.True(t, a.Equal(b), "int and float64 forms of the same number should compare equal")
}

func TestContentDiff(t *testing.T) {
	old := Content{"mission": "engage", "scale": "$20B+", "dropped": true}
	next := Content{"mission": "engage", "scale": "$25B+", "employees": 100}

	d := old.Diff(next)
	assert.Equal(t, []string{"employees"}, d.Added)
	assert.Equal(t, []string{"dropped"}, d.Removed)
	assert.Equal(t, []string{"scale"}, d.Modified)
	assert.False(t, d.Empty())

	assert.True(t, old.Diff(old).Empty())
}

func TestContentMergeRemotePrecedence(t *testing.T) {
	local := Content{"a": 1, "b": "local"}
	remote := Content{"b": "remote", "c": true}

	merged := local.Merge(remote)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, "remote", merged["b"])
	assert.Equal(t, true, merged["c"])

	// Merge must not mutate its receiver.
	assert.Equal(t, "local", local["b"])
}

func TestEntityCloneIsolatesContent(t *testing.T) {
	e := &Entity{ID: "x", Content: Content{"k": "v"}, Metadata: map[string]any{"m": 1}}
	cp := e.Clone()
	cp.Content["k"] = "changed"
	cp.Metadata["m"] = 2

	assert.Equal(t, "v", e.Content["k"])
	assert.Equal(t, 1, e.Metadata["m"])
}
