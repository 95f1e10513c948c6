package proto

// QuestionType is the normalized type of a gap question.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionOpenEnded      QuestionType = "open_ended"
)

// IsChoice reports whether answers are picked from options.
func (q QuestionType) IsChoice() bool {
	return q == QuestionSingleChoice || q == QuestionMultipleChoice
}

// Question is one gap-filling question.
type Question struct {
	ID          string       `json:"id"`
	Question    string       `json:"question"`
	Type        QuestionType `json:"type"`
	Options     []string     `json:"options,omitempty"`
	Placeholder string       `json:"placeholder,omitempty"`
	Dimension   string       `json:"dimension,omitempty"`
	Context     string       `json:"context,omitempty"`
	Required    bool         `json:"is_required"`
	Priority    int          `json:"priority"`
	Weight      int          `json:"weight"`
}

// CriticalGap is a missing dimension that blocks design decisions.
type CriticalGap struct {
	Dimension string `json:"dimension"`
	Reason    string `json:"reason"`
}

// QuestionnaireEntry records one answered item.
type QuestionnaireEntry struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Value    any    `json:"value"`
	Type     string `json:"type"`
	Tendency string `json:"tendency,omitempty"`
}

// QuestionnaireAnswers groups raw answers by step.
type QuestionnaireAnswers struct {
	CoreTask    string         `json:"core_task"`
	RadarValues map[string]int `json:"radar_values"`
	GapAnswers  map[string]any `json:"gap_answers"`
}

// QuestionnaireSummary is the consolidated output of the progressive questionnaire.
type QuestionnaireSummary struct {
	Entries      []QuestionnaireEntry `json:"entries"`
	Answers      QuestionnaireAnswers `json:"answers"`
	SubmittedAt  string               `json:"submitted_at"`
	ProfileLabel string               `json:"profile_label"`
	Source       string               `json:"source"`
}

// GapQuestionnaire is the step-3 question set shown to the client.
type GapQuestionnaire struct {
	Introduction string     `json:"introduction"`
	Questions    []Question `json:"questions"`
	Note         string     `json:"note"`
}
