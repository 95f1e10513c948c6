package analyst

import (
	"atelier/pkg/capability"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// Phase 1 information verdicts.
const (
	InfoSufficient   = "sufficient"
	InfoInsufficient = "insufficient"
)

// Deliverable is one primary deliverable identified by the triage.
type Deliverable struct {
	DeliverableID         string `json:"deliverable_id"`
	Type                  string `json:"type"`
	Description           string `json:"description"`
	Priority              string `json:"priority"`
	CapabilityCheck       string `json:"capability_check"`
	CapabilityTransformed bool   `json:"capability_transformed,omitempty"`
	OriginalType          string `json:"original_type,omitempty"`
	TransformationReason  string `json:"transformation_reason,omitempty"`
}

// Phase1 is the triage result.
type Phase1 struct {
	InfoStatus             string        `json:"info_status"`
	InfoStatusReason       string        `json:"info_status_reason"`
	PrimaryDeliverables    []Deliverable `json:"primary_deliverables"`
	ProjectTypePreliminary string        `json:"project_type_preliminary"`
	ProjectSummary         string        `json:"project_summary"`
	RecommendedNextStep    string        `json:"recommended_next_step"`
	Fallback               bool          `json:"fallback,omitempty"`
}

// Phase2 is the deep analysis result.
type Phase2 struct {
	AnalysisLayers   map[string]any      `json:"analysis_layers"`
	StructuredOutput map[string]any      `json:"structured_output"`
	ProjectOverview  string              `json:"project_overview"`
	ExpertHandoff    proto.ExpertHandoff `json:"expert_handoff"`
	Fallback         bool                `json:"fallback,omitempty"`
}

// Sharpness returns the L5 sharpness score, 0 when absent.
func (p *Phase2) Sharpness() float64 {
	if p == nil {
		return 0
	}
	return sharpness(p.AnalysisLayers)
}

// Timings are wall-clock durations of each subgraph stage.
type Timings struct {
	PrecheckMs int64 `json:"precheck_elapsed_ms"`
	Phase1Ms   int64 `json:"phase1_elapsed_ms"`
	Phase2Ms   int64 `json:"phase2_elapsed_ms"`
	TotalMs    int64 `json:"total_elapsed_ms"`
}

// Output is the merged analysis.
type Output struct {
	AnalysisMode           string                 `json:"analysis_mode"`
	ProjectType            string                 `json:"project_type"`
	StructuredRequirements map[string]any         `json:"structured_requirements"`
	ExpertHandoff          proto.ExpertHandoff    `json:"expert_handoff"`
	Confidence             float64                `json:"confidence"`
	Phase1                 Phase1                 `json:"phase1_result"`
	Phase2                 *Phase2                `json:"phase2_result"`
	Precheck               capability.Result      `json:"precheck"`
	CapabilityCheck        capability.CheckRecord `json:"capability_check"`
	Timings                Timings                `json:"timings"`
}

// Result wraps the output in the per-agent envelope stored under agent_results.
func (o Output) Result() proto.AnalysisResult {
	return proto.AnalysisResult{
		AgentType:      NodeName,
		Content:        utils.AsString(o.StructuredRequirements["project_overview"]),
		StructuredData: o.StructuredRequirements,
		Confidence:     o.Confidence,
		Sources:        []string{},
		Metadata: map[string]any{
			"analysis_mode": o.AnalysisMode,
			"project_type":  o.ProjectType,
			"timings":       o.Timings,
			"fallback":      o.Phase1.Fallback || (o.Phase2 != nil && o.Phase2.Fallback),
		},
	}
}
