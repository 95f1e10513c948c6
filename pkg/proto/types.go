// Package proto defines the domain records that flow through the workflow state blob
// and the interrupt payloads exchanged with the client.
//
// Every type here marshals to the JSON shape stored in session checkpoints, so field
// tags are part of the external contract.
package proto

import "strings"

// TaskType classifies a core task.
type TaskType string

const (
	TaskResearch TaskType = "research"
	TaskAnalysis TaskType = "analysis"
	TaskDesign   TaskType = "design"
	TaskOutput   TaskType = "output"
)

// Priority ranks core tasks and deliverables.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// NormalizeTaskType maps unknown values to research.
func NormalizeTaskType(s string) TaskType {
	switch t := TaskType(strings.ToLower(strings.TrimSpace(s))); t {
	case TaskResearch, TaskAnalysis, TaskDesign, TaskOutput:
		return t
	default:
		return TaskResearch
	}
}

// NormalizePriority maps unknown values to medium.
func NormalizePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p
	default:
		return PriorityMedium
	}
}

// Task is one confirmed or extracted core task of the brief.
type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	SourceKeywords  []string `json:"source_keywords"`
	TaskType        TaskType `json:"task_type"`
	Priority        Priority `json:"priority"`
	MotivationType  string   `json:"motivation_type,omitempty"`
	MotivationLabel string   `json:"motivation_label,omitempty"`
	ConfidenceScore float64  `json:"confidence_score,omitempty"`
}

// DimensionCategory groups radar dimensions.
type DimensionCategory string

const (
	CategoryAesthetic  DimensionCategory = "aesthetic"
	CategoryFunctional DimensionCategory = "functional"
	CategoryTechnology DimensionCategory = "technology"
	CategoryResource   DimensionCategory = "resource"
	CategoryExperience DimensionCategory = "experience"
	CategoryOther      DimensionCategory = "other"
)

// CategoryOrder is the display order of radar dimensions.
//
//nolint:gochecknoglobals // fixed ordering table
var CategoryOrder = []DimensionCategory{
	CategoryAesthetic, CategoryFunctional, CategoryTechnology,
	CategoryResource, CategoryExperience, CategoryOther,
}

// CategoryRank returns the position of c in CategoryOrder; unknown categories sort last.
func CategoryRank(c DimensionCategory) int {
	for i, o := range CategoryOrder {
		if o == c {
			return i
		}
	}
	return len(CategoryOrder)
}

// Dimension is one radar-chart axis.
type Dimension struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	LeftLabel        string            `json:"left_label" yaml:"left_label"`
	RightLabel       string            `json:"right_label" yaml:"right_label"`
	Category         DimensionCategory `json:"category" yaml:"category"`
	Keywords         []string          `json:"keywords,omitempty" yaml:"keywords"`
	DefaultValue     int               `json:"default_value" yaml:"default_value"`
	GapThreshold     int               `json:"gap_threshold" yaml:"gap_threshold"`
	TriggeredByScene string            `json:"triggered_by_scene,omitempty" yaml:"triggered_by_scene"`
	Source           string            `json:"source,omitempty" yaml:"source"`
}

// RoleRef identifies a selected expert. RoleID is "{level}-{index}", e.g. "V2-1".
type RoleRef struct {
	RoleID          string `json:"role_id"`
	BaseType        string `json:"base_type"`
	Name            string `json:"name"`
	DynamicRoleName string `json:"dynamic_role_name,omitempty"`
}

// BaseTypeOf extracts the "V{level}" prefix of a role id.
func BaseTypeOf(roleID string) string {
	if i := strings.Index(roleID, "-"); i > 0 {
		return roleID[:i]
	}
	return roleID
}

// DeliverableConstraints restrict what a deliverable must contain.
type DeliverableConstraints struct {
	MustInclude []string `json:"must_include"`
}

// DeliverableMeta is the record minted for each deliverable before expert execution.
type DeliverableMeta struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Format        string                 `json:"format,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	RequireSearch bool                   `json:"require_search,omitempty"`
	Keywords      []string               `json:"keywords"`
	Constraints   DeliverableConstraints `json:"constraints"`
	OwnerRole     string                 `json:"owner_role"`
	CreatedAt     string                 `json:"created_at"`
}

// DeliverableSpec is a deliverable demanded by a TaskInstruction.
type DeliverableSpec struct {
	ID              string   `json:"id,omitempty"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Format          string   `json:"format"`
	Priority        string   `json:"priority"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	RequireSearch   bool     `json:"require_search"`
}

// TaskInstruction is the compiled work order handed to one expert.
type TaskInstruction struct {
	Objective           string            `json:"objective"`
	Deliverables        []DeliverableSpec `json:"deliverables"`
	SuccessCriteria     []string          `json:"success_criteria"`
	Constraints         []string          `json:"constraints"`
	ContextRequirements []string          `json:"context_requirements"`
}

// AnalysisResult is the envelope stored per role under agent_results.
type AnalysisResult struct {
	AgentType      string         `json:"agent_type"`
	Content        string         `json:"content"`
	StructuredData map[string]any `json:"structured_data"`
	Confidence     float64        `json:"confidence"`
	Sources        []string       `json:"sources"`
	Metadata       map[string]any `json:"metadata"`
}

// Stance is one position on the design-challenge spectrum.
type Stance struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExpertHandoff is what the requirements analyst passes to downstream experts.
type ExpertHandoff struct {
	CriticalQuestions          map[string][]string `json:"critical_questions_for_experts"`
	DesignChallengeSpectrum    []Stance            `json:"design_challenge_spectrum"`
	AlternativeInterpretations []string            `json:"alternative_interpretations"`
	UncertaintyFlags           []string            `json:"uncertainty_flags"`
	PermissionToDiverge        string              `json:"permission_to_diverge"`
}

// ChallengeClass is the classification of an expert challenge.
type ChallengeClass string

const (
	ChallengeDeeperInsight ChallengeClass = "deeper_insight"
	ChallengeDisagreement  ChallengeClass = "disagreement"
	ChallengeUncertainty   ChallengeClass = "uncertainty_clarification"
)

// ChallengeFlag is raised by an expert against the analyst's framing.
type ChallengeFlag struct {
	ChallengedItem   string         `json:"challenged_item"`
	Rationale        string         `json:"rationale"`
	Reinterpretation string         `json:"reinterpretation"`
	DesignImpact     string         `json:"design_impact"`
	Type             string         `json:"type,omitempty"`
	RoleID           string         `json:"role_id,omitempty"`
	Class            ChallengeClass `json:"class,omitempty"`
}
