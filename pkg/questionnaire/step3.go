package questionnaire

import (
	"context"

	"atelier/pkg/capability"
	"atelier/pkg/completeness"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
)

// Step3 asks targeted questions for missing critical information. Without
// critical gaps it closes the questionnaire without interrupting.
func (n *Nodes) Step3(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	if s.Bool(proto.KeyStep3Completed) {
		return graph.Update(nil), nil
	}
	if in.Resumed {
		return n.step3Resume(ctx, in)
	}

	userInput := s.String(proto.KeyUserInput)
	tasks := confirmedTasks(s)
	report := completeness.Analyze(userInput, tasks)

	if !report.HasCriticalGaps() {
		n.logger.InfoCtx(ctx, "no critical gaps (completeness %.2f)", report.Score)
		return graph.Update(map[string]any{
			proto.KeyCompleteness:         report,
			proto.KeyStep3Completed:       true,
			proto.KeyQuestionnaireSummary: buildSummary(s, nil, nil),
			proto.KeyProcessingLog:        proto.LogNote(NodeStep3, "no critical gaps"),
		}), nil
	}

	qn := n.questions.Generate(ctx, userInput, completeness.TaskSummary(tasks), report)
	completeness.Sort(qn.Questions)
	score := report.Score

	update := map[string]any{
		proto.KeyCompleteness:  report,
		proto.KeyGapQuestions:  qn.Questions,
		proto.KeyProcessingLog: proto.LogNote(NodeStep3, itoa(len(qn.Questions))+" gap questions via "+qn.Source),
	}
	gq := qn.GapQuestionnaire
	payload := proto.StepPayload{
		InteractionType:   proto.InteractionStep3,
		Step:              3,
		TotalSteps:        totalSteps,
		Title:             "补充关键信息",
		Message:           "以下信息会直接影响设计决策，请尽量补充。",
		Questionnaire:     &gq,
		CompletenessScore: &score,
		CoveredDimensions: report.Covered,
		MissingDimensions: report.Missing,
		CriticalGaps:      report.CriticalGaps,
		Options:           map[string]string{"submit": "提交问卷"},
	}
	return graph.Suspend(payload, update), nil
}

func (n *Nodes) step3Resume(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	questions, _ := graph.Decode[[]proto.Question](s, proto.KeyGapQuestions)
	known := make(map[string]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}

	answers := map[string]any{}
	if raw, ok := response(in)["answers"].(map[string]any); ok {
		for id, v := range raw {
			if !known[id] {
				n.logger.WarnCtx(ctx, "ignoring answer for unknown question %s", id)
				continue
			}
			answers[id] = v
		}
	}

	update := map[string]any{
		proto.KeyStep3Completed: true,
		proto.KeyProcessingLog:  proto.LogNote(NodeStep3, itoa(len(answers))+" answers recorded"),
	}
	if len(answers) > 0 {
		rec := n.boundary.CheckQuestionnaireAnswers(ctx, NodeStep3, answers)
		update[proto.KeyCapabilityCheck] = rec
		if rec.AutoTransformed {
			for id, v := range answers {
				answers[id] = rewriteAnswer(v, rec.Transformations)
			}
		}
	}
	update[proto.KeyQuestionnaireSummary] = buildSummary(s, questions, answers)
	update[proto.KeyQuestionnaireResponses] = answers
	return graph.Update(update), nil
}

// rewriteAnswer applies transforms to free text and to the strings of a
// multi-choice answer. Other values pass through.
func rewriteAnswer(v any, transforms []capability.Transformation) any {
	switch x := v.(type) {
	case string:
		return capability.ApplyTransformations(x, transforms)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = rewriteAnswer(item, transforms)
		}
		return out
	}
	return v
}
