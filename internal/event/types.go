// Package event defines the data model shared by every stage of the
// ingestion pipeline: the raw event consumed from Kafka, the resolved
// team/person/group entities, and the enriched record produced downstream.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ClickHouseFormat is the timestamp layout used by the analytical store.
// Sub-second precision is fixed at milliseconds.
const ClickHouseFormat = "2006-01-02 15:04:05.000"

// FormatClickHouse renders t in UTC using the analytical-store layout.
func FormatClickHouse(t time.Time) string {
	return t.UTC().Format(ClickHouseFormat)
}

// Properties is the free-form string→any bag carried by every event.
// Unknown keys pass through opaquely; known keys ($set, $groups,
// $heatmap_data, ...) have typed accessors below.
type Properties map[string]any

// String returns the value for key if it is a string.
func (p Properties) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Map returns the value for key if it is a JSON object.
func (p Properties) Map(key string) (map[string]any, bool) {
	v, ok := p[key].(map[string]any)
	return v, ok
}

// Float returns the value for key if it is numeric. encoding/json decodes
// all numbers as float64, but callers may also have set int values.
func (p Properties) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Copy returns a shallow copy of the bag. Nested objects are shared.
func (p Properties) Copy() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// PipelineEvent is a raw analytics event as decoded from the input topic.
//
// TeamID is a pointer so that "absent" and "team 0" are distinguishable;
// at least one of Token / TeamID must resolve to a team.
type PipelineEvent struct {
	Token      string     `json:"token,omitempty"`
	TeamID     *int64     `json:"team_id,omitempty"`
	UUID       string     `json:"uuid"`
	Event      string     `json:"event"`
	DistinctID string     `json:"distinct_id"`
	Timestamp  string     `json:"timestamp,omitempty"`
	SentAt     string     `json:"sent_at,omitempty"`
	Offset     int64      `json:"offset,omitempty"`
	Properties Properties `json:"properties"`

	// Top-level $set / $set_once are legacy aliases; DecodeEvent folds
	// them into Properties so downstream stages see a single bag.
	Set     Properties `json:"$set,omitempty"`
	SetOnce Properties `json:"$set_once,omitempty"`
}

// Team is the tenant owning an event. Read-only from the pipeline's view.
type Team struct {
	ID                     int64
	ProjectID              int64
	APIToken               string
	AnonymizeIPs           bool
	HeatmapsOptIn          *bool // nil means not set, which counts as opted in
	PersonProcessingOptOut bool
	IngestedEvent          bool
}

// HeatmapsEnabled reports whether heatmap extraction applies to this team.
func (t *Team) HeatmapsEnabled() bool {
	return t.HeatmapsOptIn == nil || *t.HeatmapsOptIn
}

// PersonMode describes how much person state an enriched event carries.
type PersonMode string

const (
	PersonModeFull         PersonMode = "full"
	PersonModeForceUpgrade PersonMode = "force_upgrade"
	PersonModePropertyless PersonMode = "propertyless"
)

// Person is a resolved end-user identity. Identified by (TeamID, UUID);
// Version increases on every mutation and guards optimistic updates.
type Person struct {
	ID           int64
	UUID         uuid.UUID
	TeamID       int64
	CreatedAt    time.Time
	Properties   Properties
	IsIdentified bool
	IsUserID     *int64
	Version      int64
	ForceUpgrade bool
}

// Group is a non-person entity (organization, project, ...) keyed by
// (TeamID, TypeIndex, Key).
type Group struct {
	TeamID     int64
	TypeIndex  int
	Key        string
	Properties Properties
	CreatedAt  time.Time
	Version    int64
}

// EnrichedEvent is the record emitted to the analytical store. Properties
// and person properties are pre-stringified JSON, matching the downstream
// table schema.
type EnrichedEvent struct {
	UUID             string `json:"uuid"`
	Event            string `json:"event"`
	Properties       string `json:"properties"`
	Timestamp        string `json:"timestamp"`
	TeamID           int64  `json:"team_id"`
	ProjectID        int64  `json:"project_id"`
	DistinctID       string `json:"distinct_id"`
	ElementsChain    string `json:"elements_chain"`
	CreatedAt        string `json:"created_at"`
	PersonID         string `json:"person_id"`
	PersonProperties string `json:"person_properties"`
	PersonCreatedAt  string `json:"person_created_at"`
	PersonMode       string `json:"person_mode"`
}

// HeatmapEvent is one per-coordinate record emitted to the heatmaps
// topic, keyed by the uuid of the event it was extracted from.
type HeatmapEvent struct {
	UUID               string `json:"uuid"`
	TeamID             int64  `json:"team_id"`
	DistinctID         string `json:"distinct_id"`
	SessionID          string `json:"session_id"`
	CurrentURL         string `json:"current_url"`
	X                  int    `json:"x"`
	Y                  int    `json:"y"`
	ScaleFactor        int    `json:"scale_factor"`
	ViewportWidth      int    `json:"viewport_width"`
	ViewportHeight     int    `json:"viewport_height"`
	PointerTargetFixed bool   `json:"pointer_target_fixed"`
	Type               string `json:"type"`
	Timestamp          string `json:"timestamp"`
}

// IngestionWarning is a non-fatal anomaly reported on a side-channel topic.
type IngestionWarning struct {
	TeamID    int64  `json:"team_id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
}

// WarningSource identifies this pipeline in ingestion-warning records.
const WarningSource = "plugin-server"

// NewIngestionWarning builds a warning record with the details map
// stringified, matching the side-channel schema.
func NewIngestionWarning(teamID int64, typ string, details map[string]any, now time.Time) IngestionWarning {
	detailsJSON := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	return IngestionWarning{
		TeamID:    teamID,
		Type:      typ,
		Source:    WarningSource,
		Details:   detailsJSON,
		Timestamp: FormatClickHouse(now),
	}
}
