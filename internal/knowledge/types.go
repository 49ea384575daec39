// Package knowledge defines the domain model for the foundational
// knowledge service: entities, their version history, and the records
// produced by remote synchronization.
package knowledge

import (
	"time"
)

// Classification is the tier assigned to an entity. Foundational and
// Strategic entities are "foundational" in the derived-flag sense and are
// protected from silent remote overwrites.
type Classification string

const (
	ClassificationFoundational Classification = "foundational"
	ClassificationStrategic    Classification = "strategic"
	ClassificationOperational  Classification = "operational"
	ClassificationReference    Classification = "reference"
)

// Valid reports whether c is one of the known tiers.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationFoundational, ClassificationStrategic,
		ClassificationOperational, ClassificationReference:
		return true
	}
	return false
}

// IsFoundational reports whether the tier implies the foundational flag.
func (c Classification) IsFoundational() bool {
	return c == ClassificationFoundational || c == ClassificationStrategic
}

// Priority is an ordinal 1..5. Higher is more urgent.
type Priority int

const (
	PriorityArchive  Priority = 1
	PriorityLow      Priority = 2
	PriorityMedium   Priority = 3
	PriorityHigh     Priority = 4
	PriorityCritical Priority = 5
)

// Valid reports whether p is in the 1..5 range.
func (p Priority) Valid() bool {
	return p >= PriorityArchive && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityArchive:
		return "archive"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// Entity is the primary knowledge record.
type Entity struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Category        string         `json:"category"`
	Classification  Classification `json:"classification"`
	Priority        Priority       `json:"priority"`
	Content         Content        `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Source          string         `json:"source"`
	SourceID        *string        `json:"source_id,omitempty"`
	IsActive        bool           `json:"is_active"`
	IsFoundational  bool           `json:"is_foundational"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	SyncedAt        *time.Time     `json:"synced_at,omitempty"`
	PayReadyContext map[string]any `json:"pay_ready_context,omitempty"`
}

// Clone returns a deep-enough copy for snapshot purposes: content and
// metadata maps are copied one level deep, which is the granularity the
// version log and diff operate at.
func (e *Entity) Clone() *Entity {
	cp := *e
	cp.Content = e.Content.Clone()
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// VersionRecord is one append-only entry in an entity's version log.
// MetadataSnapshot carries name/category/classification/priority/
// is_foundational as they were when the version was written.
type VersionRecord struct {
	VersionID        string         `json:"version_id"`
	EntityID         string         `json:"entity_id"`
	VersionNumber    int            `json:"version_number"`
	ContentSnapshot  Content        `json:"content_snapshot"`
	MetadataSnapshot map[string]any `json:"metadata_snapshot"`
	ChangeSummary    string         `json:"change_summary"`
	ChangedBy        string         `json:"changed_by"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SyncKind distinguishes scheduled from on-demand sync runs.
type SyncKind string

const (
	SyncKindFull        SyncKind = "full_sync"
	SyncKindIncremental SyncKind = "incremental_sync"
	SyncKindManual      SyncKind = "manual_sync"
)

// SyncStatus is the lifecycle of a sync operation row.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
	SyncStatusPartial    SyncStatus = "partial"
)

// SyncOperation records one full/incremental/manual run, scheduled or not.
type SyncOperation struct {
	ID                string     `json:"id"`
	Kind              SyncKind   `json:"kind"`
	Source            string     `json:"source"`
	Status            SyncStatus `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	RecordsProcessed  int        `json:"records_processed"`
	ConflictsDetected int        `json:"conflicts_detected"`
	ErrorDetails      string     `json:"error_details,omitempty"`
}

// ConflictType classifies what diverged between local and remote.
type ConflictType string

const (
	ConflictContent        ConflictType = "content"
	ConflictMetadata       ConflictType = "metadata"
	ConflictClassification ConflictType = "classification"
	ConflictDeletion       ConflictType = "deletion"
)

// ResolutionStatus is the lifecycle of a conflict record. Every conflict
// that enters resolution must end in a non-pending state.
type ResolutionStatus string

const (
	ResolutionPending        ResolutionStatus = "pending"
	ResolutionAutoResolved   ResolutionStatus = "auto_resolved"
	ResolutionManualResolved ResolutionStatus = "manual_resolved"
	ResolutionIgnored        ResolutionStatus = "ignored"
)

// ResolutionStrategy selects how a conflict is settled.
type ResolutionStrategy string

const (
	StrategyRemoteWins ResolutionStrategy = "remote_wins"
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyAuto       ResolutionStrategy = "auto"
)

// SyncConflict records a divergence between local and remote snapshots of
// the same entity. Persisted so conflict history survives restarts.
type SyncConflict struct {
	ID               string           `json:"id"`
	EntityID         string           `json:"entity_id"`
	SyncOperationID  string           `json:"sync_operation_id"`
	LocalSnapshot    *Entity          `json:"local_snapshot"`
	RemoteSnapshot   *Entity          `json:"remote_snapshot"`
	ConflictType     ConflictType     `json:"conflict_type"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// NowUTC returns the current time truncated to UTC. All persisted
// timestamps go through here so the two store backends agree on format.
func NowUTC() time.Time {
	return time.Now().UTC()
}
