package store

import (
	"encoding/json"
	"time"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// Intake holds the immutable fields captured when a session is created.
type Intake struct {
	ClientName   string `json:"client_name"`
	ProjectName  string `json:"project_name,omitempty"`
	Industry     string `json:"industry,omitempty"`
	Requirements string `json:"requirements"`
	Duration     string `json:"duration,omitempty"`
	TeamSize     int    `json:"team_size,omitempty"`
}

// Session is the persisted representation of one proposal workflow.
// Intake fields are written once at creation; workflow and result
// fields are mutated as steps execute.
type Session struct {
	ID     string               `json:"session_id"`
	Intake Intake               `json:"intake"`
	Status schema.SessionStatus `json:"status"`

	CurrentStage string `json:"current_stage,omitempty"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message,omitempty"`

	RequirementsData  json.RawMessage `json:"requirements_data,omitempty"`
	CostData          json.RawMessage `json:"cost_data,omitempty"`
	TemplateSelection json.RawMessage `json:"template_selection,omitempty"`

	DocumentURLs []string            `json:"document_urls"`
	AgentEvents  []schema.AgentEvent `json:"agent_events,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionUpdate specifies mutable session fields for a partial update.
// Nil pointers leave the field untouched; updated_at is stamped on
// every call regardless.
type SessionUpdate struct {
	Status            *schema.SessionStatus `json:"status,omitempty"`
	CurrentStage      *string               `json:"current_stage,omitempty"`
	Progress          *int                  `json:"progress,omitempty"`
	ErrorMessage      *string               `json:"error_message,omitempty"`
	RequirementsData  json.RawMessage       `json:"requirements_data,omitempty"`
	CostData          json.RawMessage       `json:"cost_data,omitempty"`
	TemplateSelection json.RawMessage       `json:"template_selection,omitempty"`
}

// RateSheetEntry is one billable role in the rate table.
type RateSheetEntry struct {
	RoleID     string  `json:"role_id"`
	HourlyRate float64 `json:"hourly_rate"`
	Currency   string  `json:"currency"`
}

// DefaultRateSheet seeds a fresh deployment with standard USD rates.
// SeedRateSheet ignores these when the table already has rows.
var DefaultRateSheet = []RateSheetEntry{
	{RoleID: "developer", HourlyRate: 150, Currency: "USD"},
	{RoleID: "designer", HourlyRate: 125, Currency: "USD"},
	{RoleID: "project_manager", HourlyRate: 140, Currency: "USD"},
	{RoleID: "qa", HourlyRate: 110, Currency: "USD"},
}
