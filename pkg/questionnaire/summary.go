package questionnaire

import (
	"time"

	"atelier/pkg/dimensions"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
)

func emptySummary() proto.QuestionnaireSummary {
	return proto.QuestionnaireSummary{
		Entries: []proto.QuestionnaireEntry{},
		Answers: proto.QuestionnaireAnswers{
			RadarValues: map[string]int{},
			GapAnswers:  map[string]any{},
		},
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
		Source:      SourceSkipped,
	}
}

// buildSummary consolidates confirmed tasks, radar values and gap answers. Radar
// entries come first, then answered questions in question order.
func buildSummary(s graph.State, questions []proto.Question, answers map[string]any) proto.QuestionnaireSummary {
	tasks := confirmedTasks(s)
	dims, _ := graph.Decode[[]proto.Dimension](s, proto.KeyRadarDimensions)
	values, _ := graph.Decode[map[string]int](s, proto.KeyRadarValues)
	analysis, _ := graph.Decode[dimensions.Analysis](s, proto.KeyRadarAnalysis)
	if values == nil {
		values = map[string]int{}
	}
	if answers == nil {
		answers = map[string]any{}
	}

	entries := []proto.QuestionnaireEntry{}
	for _, d := range dims {
		v, ok := values[d.ID]
		if !ok {
			continue
		}
		entries = append(entries, proto.QuestionnaireEntry{
			ID:       d.ID,
			Question: d.Name,
			Value:    v,
			Type:     "radar",
			Tendency: dimensions.Tendency(d, v),
		})
	}
	for _, q := range questions {
		v, ok := answers[q.ID]
		if !ok {
			continue
		}
		entries = append(entries, proto.QuestionnaireEntry{ID: q.ID, Question: q.Question, Value: v, Type: string(q.Type)})
	}

	label := analysis.ProfileLabel
	if label == "" && len(dims) > 0 {
		label = dimensions.ProfileLabel(dims, values)
	}
	return proto.QuestionnaireSummary{
		Entries: entries,
		Answers: proto.QuestionnaireAnswers{
			CoreTask:    coreTaskText(tasks),
			RadarValues: values,
			GapAnswers:  answers,
		},
		SubmittedAt:  time.Now().UTC().Format(time.RFC3339),
		ProfileLabel: label,
		Source:       SourceProgressive,
	}
}
