// Package model defines shared data structures for the ingest service.
package model

import (
	"encoding/json"
	"time"
)

// Sentinel values substituted by the normalizer when the registry omits a field.
const (
	DefaultTitle       = "Untitled"
	DefaultIssuingBody = "Unknown"
	DefaultRegionCode  = "ND" // not determined
	DefaultModality    = "ND"
	DefaultSourceLink  = "#"
)

// DateLayout is the calendar-date format used on the wire and in the registry.
const DateLayout = "2006-01-02"

// Field identifies one descriptive Notice field.
type Field uint8

const (
	FieldTitle Field = 1 << iota
	FieldIssuingBody
	FieldRegionCode
	FieldModality
	FieldPublicationDate
	FieldSourceLink
)

// Notice is one canonical procurement notice ("edital").
//
// ID is assigned by storage on first insert and never participates in merge
// identity. MergeKey is derived from registry-stable fields by the normalizer.
type Notice struct {
	ID              int64
	Title           string
	IssuingBody     string
	RegionCode      string
	Modality        string
	PublicationDate time.Time // calendar date, UTC midnight
	SourceLink      string
	EstimatedValue  *float64 // nil when the registry gave no positive value
	Description     string   // empty when absent; stored as NULL
	UpdatedAt       time.Time

	MergeKey  string
	Defaulted Field // fields filled with a sentinel instead of an upstream value
}

// IsDefaulted reports whether f was filled with a sentinel.
func (n Notice) IsDefaulted(f Field) bool { return n.Defaulted&f != 0 }

// noticeJSON is the JSON shape returned to clients.
type noticeJSON struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	IssuingBody     string     `json:"issuingBody"`
	RegionCode      string     `json:"regionCode"`
	Modality        string     `json:"modality"`
	PublicationDate string     `json:"publicationDate"`
	SourceLink      string     `json:"sourceLink"`
	EstimatedValue  *float64   `json:"estimatedValue,omitempty"`
	Description     string     `json:"description,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

// MarshalJSON renders the publication date as a calendar date and hides the
// merge bookkeeping fields.
func (n Notice) MarshalJSON() ([]byte, error) {
	out := noticeJSON{
		ID:              n.ID,
		Title:           n.Title,
		IssuingBody:     n.IssuingBody,
		RegionCode:      n.RegionCode,
		Modality:        n.Modality,
		PublicationDate: n.PublicationDate.Format(DateLayout),
		SourceLink:      n.SourceLink,
		EstimatedValue:  n.EstimatedValue,
		Description:     n.Description,
	}
	if !n.UpdatedAt.IsZero() {
		out.UpdatedAt = &n.UpdatedAt
	}
	return json.Marshal(out)
}

// Window is an inclusive range of calendar dates used to query the registry.
type Window struct {
	Start time.Time
	End   time.Time
}

// DailyWindow returns [yesterday, today] relative to now, in now's location.
func DailyWindow(now time.Time) Window {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return Window{Start: today.AddDate(0, 0, -1), End: today}
}

func (w Window) String() string {
	return w.Start.Format(DateLayout) + ".." + w.End.Format(DateLayout)
}

// Trigger names what started an ingestion run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerOnDemand  Trigger = "on_demand"
	TriggerStartup   Trigger = "startup"
)

// MergeStats reports what a single UpsertBatch did.
type MergeStats struct {
	Processed int
	Inserted  int
	Updated   int
}

// RunResult summarises one orchestrator run.
type RunResult struct {
	RunID      string    `json:"runId"`
	Trigger    Trigger   `json:"trigger"`
	WindowFrom string    `json:"windowFrom"`
	WindowTo   string    `json:"windowTo"`
	Fetched    int       `json:"fetched"`
	Processed  int       `json:"processed"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

// Stats is a small aggregate over the stored notices.
type Stats struct {
	Total    int            `json:"total"`
	ByRegion map[string]int `json:"byRegion"`
}
