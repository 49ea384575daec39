package remote

import (
	"time"

	"github.com/payready/knowledge-api/internal/knowledge"
)

// SourceName is stamped into entity.source for rows pulled from the base.
const SourceName = "airtable"

// modifiedAtKey holds the remote modification timestamp inside entity
// metadata; incremental sync filters on it.
const modifiedAtKey = "remote_modified_at"

// TableConfig binds a remote table to the classification tier its rows
// default to.
type TableConfig struct {
	Name string
	Tier knowledge.Classification
}

// contentFields are lifted out of the raw fields object into named
// content keys. The full raw object rides along under "raw_fields".
var contentFields = []struct {
	remote string
	local  string
}{
	{"Summary", "summary"},
	{"Key Insights", "key_insights"},
	{"Strategic Implications", "strategic_implications"},
	{"CEO Notes", "ceo_notes"},
}

// entityFromRecord maps a remote row to an entity. The remote row id
// doubles as the entity id and source_id.
func entityFromRecord(rec Record, table TableConfig) *knowledge.Entity {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	name := stringField(fields, "Name")
	if name == "" {
		name = stringField(fields, "Document Name")
	}
	if name == "" {
		name = "Untitled " + rec.ID
	}

	category := stringField(fields, "Category")
	if category == "" {
		category = "general"
	}

	content := knowledge.Content{}
	for _, f := range contentFields {
		if v, ok := fields[f.remote]; ok {
			content[f.local] = v
		}
	}
	content["raw_fields"] = fields

	modified := remoteModifiedAt(rec)
	sourceID := rec.ID

	return &knowledge.Entity{
		ID:             rec.ID,
		Name:           name,
		Category:       category,
		Classification: table.Tier,
		Priority:       priorityFromField(fields["Priority"]),
		Content:        content,
		Metadata: map[string]any{
			modifiedAtKey:  modified.Format(time.RFC3339),
			"remote_table": table.Name,
		},
		Source:         SourceName,
		SourceID:       &sourceID,
		IsActive:       true,
		IsFoundational: table.Tier.IsFoundational(),
		UpdatedAt:      modified,
	}
}

// fieldsFromEntity maps an entity to the remote field shape for push.
func fieldsFromEntity(e *knowledge.Entity) map[string]any {
	fields := map[string]any{
		"Name":     e.Name,
		"Category": e.Category,
		"Priority": int(e.Priority),
	}
	for _, f := range contentFields {
		if v, ok := e.Content[f.local]; ok {
			fields[f.remote] = v
		}
	}
	return fields
}

// priorityFromField applies the non-linear numeric mapping from the
// remote 1-5 scale.
func priorityFromField(v any) knowledge.Priority {
	n := 0.0
	switch x := v.(type) {
	case float64:
		n = x
	case int:
		n = float64(x)
	}
	switch {
	case n >= 5:
		return knowledge.PriorityCritical
	case n >= 4:
		return knowledge.PriorityHigh
	case n >= 3:
		return knowledge.PriorityMedium
	case n >= 2:
		return knowledge.PriorityLow
	}
	return knowledge.PriorityArchive
}

// remoteModifiedAt prefers an explicit Last Modified field, then falls
// back to the row's created time.
func remoteModifiedAt(rec Record) time.Time {
	for _, key := range []string{"Last Modified", "Last Modified Time", "Modified"} {
		if s := stringField(rec.Fields, key); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC()
			}
		}
	}
	return rec.CreatedTime.UTC()
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
