package proto

// State keys of the workflow blob.
const (
	KeyUserInput              = "user_input"
	KeyAgentResults           = "agent_results"
	KeyStructuredRequirements = "structured_requirements"
	KeyConfirmedCoreTasks     = "confirmed_core_tasks"
	KeyExtractedCoreTasks     = "extracted_core_tasks"
	KeyRadarDimensions        = "selected_radar_dimensions"
	KeyRadarValues            = "radar_dimension_values"
	KeyRadarAnalysis          = "radar_analysis"
	KeyQuestionnaireSummary   = "questionnaire_summary"
	KeyQuestionnaireResponses = "questionnaire_responses"
	KeySelectedRoles          = "selected_roles"
	KeyDeliverableMetadata    = "deliverable_metadata"
	KeyDeliverableOwnerMap    = "deliverable_owner_map"
	KeyReviewHistory          = "review_history"
	KeyProcessingLog          = "processing_log"
	KeySearchQueries          = "search_queries"
	KeySearchReferences       = "search_references"
	KeyStructuredReport       = "structured_report"
	KeyProjectType            = "project_type"
	KeyAnalysisMode           = "analysis_mode"
	KeyExpertHandoff          = "expert_handoff"
	KeyPoeticMetadata         = "poetic_metadata"
	KeySpecialSceneMetadata   = "special_scene_metadata"
	KeyCapabilityCheck        = "capability_check"
	KeyCompleteness           = "task_completeness"
	KeyGapQuestions           = "gap_questions"
	KeyPendingChallenges      = "pending_challenges"
	KeyChallengeLog           = "challenge_log"
	KeyRevisitCount           = "revisit_count"
	KeyRequiresFeedbackLoop   = "requires_feedback_loop"
	KeyBatchErrors            = "batch_errors"
	KeyError                  = "error"
	KeyErrorRecord            = "error_record"

	KeyStep1Completed          = "progressive_step1_completed"
	KeyStep2Completed          = "progressive_step2_completed"
	KeyStep3Completed          = "progressive_step3_completed"
	KeyRequirementsConfirmed   = "requirements_confirmed"
	KeyUnifiedReviewCompleted  = "unified_review_completed"
	KeyDeliverableAssignDetail = "deliverable_assignment_detail"
)

// Persistent flags carried across every node return.
const (
	FlagSkipUnifiedReview      = "skip_unified_review"
	FlagSkipCalibration        = "skip_calibration"
	FlagIsFollowup             = "is_followup"
	FlagIsRerun                = "is_rerun"
	FlagCalibrationSkipped     = "calibration_skipped"
	FlagCalibrationProcessed   = "calibration_processed"
	FlagCalibrationAnswers     = "calibration_answers"
	FlagQuestionnaireSummary   = KeyQuestionnaireSummary
	FlagQuestionnaireResponses = KeyQuestionnaireResponses
)

// InteractionType tags every interrupt payload.
type InteractionType string

const (
	InteractionStep1         InteractionType = "progressive_questionnaire_step1"
	InteractionStep2         InteractionType = "progressive_questionnaire_step2"
	InteractionStep3         InteractionType = "progressive_questionnaire_step3"
	InteractionUnifiedReview InteractionType = "role_and_task_unified_review"
	InteractionConfirmation  InteractionType = "requirements_confirmation"
	InteractionFollowup      InteractionType = "followup"
)

// Analysis modes of the requirements analyst.
const (
	AnalysisPhase1Only = "phase1_only"
	AnalysisTwoPhase   = "two_phase"
)

// Project types inferred by the analyst output node.
const (
	ProjectPersonalResidential = "personal_residential"
	ProjectHybrid              = "hybrid_residential_commercial"
	ProjectCommercial          = "commercial_enterprise"
)
