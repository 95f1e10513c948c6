package proto

import "time"

// BoundaryAlert is attached to interrupt payloads so capability warnings show non-blockingly.
type BoundaryAlert struct {
	AlertLevel  string   `json:"alert_level"`
	Score       float64  `json:"capability_score"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// StepPayload is the wire schema of the three questionnaire interrupts.
type StepPayload struct {
	InteractionType InteractionType `json:"interaction_type"`
	Step            int             `json:"step"`
	TotalSteps      int             `json:"total_steps"`
	Title           string          `json:"title"`
	Message         string          `json:"message"`

	ExtractedTasks   []Task `json:"extracted_tasks,omitempty"`
	ExtractedTask    string `json:"extracted_task,omitempty"`
	UserInputSummary string `json:"user_input_summary,omitempty"`

	Dimensions []Dimension `json:"dimensions,omitempty"`
	CoreTask   string      `json:"core_task,omitempty"`

	Questionnaire     *GapQuestionnaire `json:"questionnaire,omitempty"`
	CompletenessScore *float64          `json:"completeness_score,omitempty"`
	CoveredDimensions []string          `json:"covered_dimensions,omitempty"`
	MissingDimensions []string          `json:"missing_dimensions,omitempty"`
	CriticalGaps      []CriticalGap     `json:"critical_gaps,omitempty"`

	CapabilityAlert *BoundaryAlert    `json:"capability_alert,omitempty"`
	Options         map[string]string `json:"options"`
}

// ReviewPayload is the interrupt for requirements confirmation and unified review.
type ReviewPayload struct {
	InteractionType InteractionType   `json:"interaction_type"`
	Title           string            `json:"title"`
	Message         string            `json:"message"`
	Data            map[string]any    `json:"data"`
	CapabilityAlert *BoundaryAlert    `json:"capability_alert,omitempty"`
	Options         map[string]string `json:"options"`
}

// ProcessingLogEntry is appended to processing_log by every node.
type ProcessingLogEntry struct {
	Node string `json:"node"`
	At   string `json:"at"`
	Note string `json:"note"`
}

// LogNote builds a one-entry processing_log update.
func LogNote(node, note string) []ProcessingLogEntry {
	return []ProcessingLogEntry{{Node: node, At: time.Now().UTC().Format(time.RFC3339), Note: note}}
}
