// Package assess defines the digitalisation-assessment domain entities and
// wires one offline-first repository per entity type over the remote API.
package assess

import (
	"encoding/json"
	"time"
)

// Local table names, one per synchronizable entity type. They double as the
// remote API path segments.
const (
	TableOrganizations = "organizations"
	TableCooperations  = "cooperations"
	TableDimensions    = "dimensions"
	TableLevels        = "digitalisationLevels"
	TableGaps          = "digitalisationGaps"
	TableActionPlans   = "actionPlans"
	TableSubmissions   = "submissions"
	TableUsers         = "users"
)

// Tables returns every entity table, in dependency order.
func Tables() []string {
	return []string{
		TableCooperations,
		TableOrganizations,
		TableUsers,
		TableDimensions,
		TableLevels,
		TableGaps,
		TableActionPlans,
		TableSubmissions,
	}
}

// Organization is an assessed organization (tenant).
type Organization struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Country       string    `json:"country,omitempty"`
	Sector        string    `json:"sector,omitempty"`
	CooperationID string    `json:"cooperationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Cooperation groups organizations under one cooperative umbrella.
type Cooperation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Region    string    `json:"region,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Dimension is one axis of the digitalisation assessment.
type Dimension struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Weight      float64   `json:"weight,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DigitalisationLevel is a maturity step within a dimension.
type DigitalisationLevel struct {
	ID          string    `json:"id"`
	DimensionID string    `json:"dimensionId"`
	Level       int       `json:"level"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DigitalisationGap captures the distance between an organization's current
// and target maturity on one dimension.
type DigitalisationGap struct {
	ID             string    `json:"id"`
	DimensionID    string    `json:"dimensionId"`
	OrganizationID string    `json:"organizationId"`
	CurrentLevel   int       `json:"currentLevel"`
	TargetLevel    int       `json:"targetLevel"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ActionPlan is a remediation plan for a gap.
type ActionPlan struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	GapID          string    `json:"gapId,omitempty"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	DueDate        string    `json:"dueDate,omitempty"`
	State          string    `json:"state,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Submission is one completed assessment questionnaire.
type Submission struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	Answers        json.RawMessage `json:"answers,omitempty"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// User is an account within a cooperation.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	FullName      string    `json:"fullName,omitempty"`
	Role          string    `json:"role,omitempty"`
	CooperationID string    `json:"cooperationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
