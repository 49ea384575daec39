package knowledge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Content is the free-form structured document attached to an entity.
// It serializes to/from JSON at the persistence and wire boundaries and is
// treated as opaque elsewhere; callers use the helpers below instead of
// reaching into the map.
type Content map[string]any

// Clone returns a copy of c. Nested values are shared; the version log and
// diff only ever compare or replace at top-level key granularity.
func (c Content) Clone() Content {
	if c == nil {
		return nil
	}
	out := make(Content, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Equal reports whether two content documents are deeply equal. Both sides
// are round-tripped through JSON first so that e.g. int(1) written by a
// caller compares equal to float64(1) read back from storage.
func (c Content) Equal(other Content) bool {
	return reflect.DeepEqual(normalize(c), normalize(other))
}

func normalize(c Content) map[string]any {
	if len(c) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		// Non-serializable content never reaches storage; fall back to
		// the raw map so Equal degrades to strict comparison.
		return c
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return c
	}
	return out
}

// ContentDiff describes top-level key changes between two documents.
type ContentDiff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Empty reports whether the diff contains no changes.
func (d ContentDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff compares c (old) against next (new) at top-level key granularity.
func (c Content) Diff(next Content) ContentDiff {
	var d ContentDiff
	oldN, newN := normalize(c), normalize(next)
	for k := range newN {
		if _, ok := oldN[k]; !ok {
			d.Added = append(d.Added, k)
		}
	}
	for k, ov := range oldN {
		nv, ok := newN[k]
		if !ok {
			d.Removed = append(d.Removed, k)
			continue
		}
		if !reflect.DeepEqual(ov, nv) {
			d.Modified = append(d.Modified, k)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}

// Merge returns a shallow merge of c and other with other taking
// precedence for overlapping top-level keys.
func (c Content) Merge(other Content) Content {
	out := c.Clone()
	if out == nil {
		out = Content{}
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String renders the document for classification scoring and substring
// search: a stable, lowercase-unfriendly JSON form. Callers lowercase it.
func (c Content) String() string {
	if len(c) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(c))
	}
	return string(raw)
}
