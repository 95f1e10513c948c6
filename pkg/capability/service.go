package capability

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"atelier/pkg/logx"
	"atelier/pkg/proto"
)

// CheckType names the seam a check was run at.
type CheckType string

const (
	CheckUserInput           CheckType = "user_input"
	CheckDeliverableList     CheckType = "deliverable_list"
	CheckTaskModification    CheckType = "task_modification"
	CheckQuestionnaireAnswer CheckType = "questionnaire_answers"
	CheckFollowupQuestion    CheckType = "followup_question"
)

// AlertLevel grades a capability score.
type AlertLevel string

const (
	AlertInfo    AlertLevel = "info"
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

// LevelFor maps a capability score to its alert level.
func LevelFor(score float64) AlertLevel {
	switch {
	case score >= 0.8:
		return AlertInfo
	case score >= 0.6:
		return AlertWarning
	default:
		return AlertError
	}
}

const (
	// DefaultThreshold is the minimum score at which transformations are applied silently.
	DefaultThreshold   = 0.6
	defaultRecordLimit = 200
)

// CheckRecord is the uniform result of every boundary check.
type CheckRecord struct {
	CheckID             string             `json:"check_id"`
	NodeName            string             `json:"node_name"`
	CheckType           CheckType          `json:"check_type"`
	Timestamp           string             `json:"timestamp"`
	WithinCapability    bool               `json:"within_capability"`
	CapabilityScore     float64            `json:"capability_score"`
	Deliverables        []DeliverableCheck `json:"deliverable_checks"`
	Info                *InfoSufficiency   `json:"info_sufficiency,omitempty"`
	RecommendedAction   string             `json:"recommended_action,omitempty"`
	AlertLevel          AlertLevel         `json:"alert_level"`
	Transformations     []Transformation   `json:"transformations"`
	Suggestions         []string           `json:"suggestions"`
	AutoTransformed     bool               `json:"auto_transformed"`
	TransformedText     string             `json:"transformed_text,omitempty"`
	RequiresInteraction bool               `json:"requires_interaction"`
}

// Alert returns the payload block for warning and error levels and nil for info.
func (r CheckRecord) Alert() *proto.BoundaryAlert {
	if r.AlertLevel == AlertInfo {
		return nil
	}
	return &proto.BoundaryAlert{
		AlertLevel:  string(r.AlertLevel),
		Score:       r.CapabilityScore,
		Suggestions: append([]string(nil), r.Suggestions...),
	}
}

// DeliverableRequest is one deliverable proposed by an LLM or a user edit.
type DeliverableRequest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Service runs capability checks at input seams and keeps a bounded history.
type Service struct {
	logger        *logx.Logger
	threshold     float64
	autoTransform bool
	limit         int
	now           func() time.Time

	mu      sync.Mutex
	records []CheckRecord
}

// Option configures a Service.
type Option func(*Service)

// WithThreshold sets the auto-transform threshold.
func WithThreshold(t float64) Option { return func(s *Service) { s.threshold = t } }

// WithAutoTransform toggles silent rewriting of out-of-capability requests.
func WithAutoTransform(on bool) Option { return func(s *Service) { s.autoTransform = on } }

// WithRecordLimit bounds the retained history.
func WithRecordLimit(n int) Option { return func(s *Service) { s.limit = n } }

// NewService creates a boundary service. Auto-transform is on by default.
func NewService(opts ...Option) *Service {
	s := &Service{
		logger:        logx.NewLogger("capability"),
		threshold:     DefaultThreshold,
		autoTransform: true,
		limit:         defaultRecordLimit,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limit <= 0 {
		s.limit = defaultRecordLimit
	}
	return s
}

// CheckUserInput runs the full detector over a brief.
func (s *Service) CheckUserInput(ctx context.Context, node, text string) CheckRecord {
	res := Detect(text)
	rec := s.newRecord(node, CheckUserInput, res.Deliverables, res.Transformations, res.CapabilityScore)
	rec.Info = &res.Info
	rec.RecommendedAction = res.RecommendedAction
	s.settle(ctx, &rec, text)
	return rec
}

// CheckDeliverableList checks LLM-proposed deliverables. The returned checks are
// index-aligned with items.
func (s *Service) CheckDeliverableList(ctx context.Context, node string, items []DeliverableRequest) CheckRecord {
	checks := make([]DeliverableCheck, 0, len(items))
	var transforms []Transformation
	for _, it := range items {
		c, t := checkDeliverable(it)
		checks = append(checks, c)
		if t != nil {
			transforms = append(transforms, *t)
		}
	}
	rec := s.newRecord(node, CheckDeliverableList, checks, transforms, scoreChecks(checks))
	s.settle(ctx, &rec, "")
	return rec
}

// CheckTaskModifications checks user edits to confirmed tasks.
func (s *Service) CheckTaskModifications(ctx context.Context, node string, edits []string) CheckRecord {
	return s.checkText(ctx, node, CheckTaskModification, strings.Join(edits, "\n"))
}

// CheckQuestionnaireAnswers checks free-text questionnaire answers. Non-string
// values are flattened.
func (s *Service) CheckQuestionnaireAnswers(ctx context.Context, node string, answers map[string]any) CheckRecord {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, flatten(answers[k])...)
	}
	return s.checkText(ctx, node, CheckQuestionnaireAnswer, strings.Join(parts, "\n"))
}

// CheckFollowupQuestion checks a follow-up question asked after the report.
func (s *Service) CheckFollowupQuestion(ctx context.Context, node, question string) CheckRecord {
	return s.checkText(ctx, node, CheckFollowupQuestion, question)
}

// Records returns the retained check history, oldest first.
func (s *Service) Records() []CheckRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CheckRecord(nil), s.records...)
}

func (s *Service) checkText(ctx context.Context, node string, typ CheckType, text string) CheckRecord {
	checks, transforms, score := DetectDeliverables(text)
	rec := s.newRecord(node, typ, checks, transforms, score)
	s.settle(ctx, &rec, text)
	return rec
}

func (s *Service) newRecord(node string, typ CheckType, checks []DeliverableCheck, transforms []Transformation, score float64) CheckRecord {
	if transforms == nil {
		transforms = []Transformation{}
	}
	return CheckRecord{
		CheckID:          uuid.NewString(),
		NodeName:         node,
		CheckType:        typ,
		Timestamp:        s.now().UTC().Format(time.RFC3339Nano),
		WithinCapability: len(transforms) == 0,
		CapabilityScore:  score,
		Deliverables:     checks,
		AlertLevel:       LevelFor(score),
		Transformations:  transforms,
		Suggestions:      suggestions(transforms),
	}
}

// settle applies the auto-transform policy and stores the record.
func (s *Service) settle(ctx context.Context, rec *CheckRecord, text string) {
	if len(rec.Transformations) > 0 {
		if s.autoTransform && rec.CapabilityScore >= s.threshold {
			rec.AutoTransformed = true
			if text != "" {
				rec.TransformedText = ApplyTransformations(text, rec.Transformations)
			}
		} else {
			rec.RequiresInteraction = true
		}
		s.logger.WarnCtx(ctx, "🚧 [%s] %s: %d out-of-capability request(s), score %.2f (%s)",
			rec.NodeName, rec.CheckType, len(rec.Transformations), rec.CapabilityScore, rec.AlertLevel)
	} else {
		logx.Debug(ctx, "capability", "[%s] %s within capability (score %.2f)", rec.NodeName, rec.CheckType, rec.CapabilityScore)
	}

	s.mu.Lock()
	s.records = append(s.records, *rec)
	if len(s.records) > s.limit {
		s.records = s.records[len(s.records)-s.limit:]
	}
	s.mu.Unlock()
}

func checkDeliverable(it DeliverableRequest) (DeliverableCheck, *Transformation) {
	typ := strings.TrimSpace(it.Type)
	if rule, ok := ruleFor(typ); ok {
		return outOfScopeCheck(rule, []string{typ})
	}
	lower := strings.ToLower(typ + " " + it.Description)
	for _, rule := range outOfScopeRules {
		if matched := matchKeywords(lower, rule.keywords); len(matched) > 0 {
			return outOfScopeCheck(rule, matched)
		}
	}
	if typ == "" {
		typ = DefaultDeliverableType
	}
	return DeliverableCheck{Type: typ, Confidence: 1, WithinCapability: true}, nil
}

func outOfScopeCheck(rule outOfScope, matched []string) (DeliverableCheck, *Transformation) {
	check := DeliverableCheck{
		Type:            rule.category,
		MatchedKeywords: matched,
		Confidence:      1,
		TransformedType: rule.target,
		Reason:          rule.reason,
	}
	return check, &Transformation{
		OriginalType:    rule.category,
		TransformedType: rule.target,
		Reason:          rule.reason,
		MatchedKeywords: matched,
	}
}

func suggestions(transforms []Transformation) []string {
	out := make([]string, 0, len(transforms))
	for _, t := range transforms {
		out = append(out, fmt.Sprintf("「%s」超出服务范围，将提供「%s」：%s",
			strings.Join(t.MatchedKeywords, "、"), Label(t.TransformedType), t.Reason))
	}
	return out
}

// ApplyTransformations replaces each run of out-of-capability keywords with the
// in-capability phrase and appends an explanatory note per transformation.
func ApplyTransformations(text string, transforms []Transformation) string {
	out := text
	var notes []string
	for _, t := range transforms {
		rule, ok := ruleFor(t.OriginalType)
		if !ok {
			continue
		}
		re := keywordRun(rule.keywords)
		if !re.MatchString(out) {
			continue
		}
		out = re.ReplaceAllLiteralString(out, Label(t.TransformedType))
		notes = append(notes, t.Reason)
	}
	for _, n := range notes {
		out += "（注：" + n + "）"
	}
	return out
}

func keywordRun(keywords []string) *regexp.Regexp {
	sorted := append([]string(nil), keywords...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, k := range sorted {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)+`)
}

func flatten(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, flatten(item)...)
		}
		return out
	case []string:
		return x
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(x)}
	}
}
