package questionnaire

import (
	"context"
	"strings"

	"atelier/pkg/capability"
	"atelier/pkg/completeness"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

const summaryLimit = 120

// Step1 extracts core tasks from the brief and asks the client to confirm them.
func (n *Nodes) Step1(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	if s.Bool(proto.KeyStep1Completed) {
		return graph.Update(nil), nil
	}
	if s.Bool(proto.FlagIsFollowup) {
		return n.followup(ctx, s), nil
	}
	if in.Resumed {
		return n.step1Resume(ctx, in)
	}

	userInput := s.String(proto.KeyUserInput)
	res := n.decomposer.Decompose(ctx, userInput, s.Map(proto.KeyStructuredRequirements))
	summary := completeness.TaskSummary(res.Tasks)

	update := map[string]any{
		proto.KeyExtractedCoreTasks: res.Tasks,
		proto.KeyProcessingLog:      proto.LogNote(NodeStep1, "extracted "+itoa(len(res.Tasks))+" core tasks via "+res.Source),
	}
	if phrases := DetectPoetic(userInput); len(phrases) > 0 {
		update[proto.KeyPoeticMetadata] = n.interpretPoetic(ctx, userInput, phrases)
	}
	if scenes := completeness.DetectScenes(userInput, summary); len(scenes) > 0 {
		update[proto.KeySpecialSceneMetadata] = scenes
		n.logger.InfoCtx(ctx, "special scenes detected: %s", strings.Join(completeness.SceneIDs(scenes), ","))
	}

	payload := proto.StepPayload{
		InteractionType:  proto.InteractionStep1,
		Step:             1,
		TotalSteps:       totalSteps,
		Title:            "确认核心任务",
		Message:          "我们从您的描述中梳理出以下核心任务，请确认或调整。",
		ExtractedTasks:   res.Tasks,
		ExtractedTask:    summary,
		UserInputSummary: utils.Truncate(userInput, summaryLimit),
		CapabilityAlert:  n.boundary.CheckUserInput(ctx, NodeStep1, userInput).Alert(),
		Options:          map[string]string{"confirm": "确认任务", "skip": "跳过问卷"},
	}
	return graph.Suspend(payload, update), nil
}

func (n *Nodes) step1Resume(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	resp := response(in)
	if action, _ := resp["action"].(string); action == "skip" {
		return n.skip(ctx), nil
	}

	extracted, _ := graph.Decode[[]proto.Task](s, proto.KeyExtractedCoreTasks)
	tasks := parseConfirmed(resp, extracted)

	known := make(map[string]bool, len(extracted))
	for _, t := range extracted {
		known[t.Title] = true
	}
	var edits []string
	for _, t := range tasks {
		if !known[t.Title] {
			edits = append(edits, t.Title+" "+t.Description)
		}
	}
	update := map[string]any{
		proto.KeyStep1Completed: true,
		proto.KeyProcessingLog:  proto.LogNote(NodeStep1, "confirmed "+itoa(len(tasks))+" core tasks"),
	}
	if len(edits) > 0 {
		rec := n.boundary.CheckTaskModifications(ctx, NodeStep1, edits)
		update[proto.KeyCapabilityCheck] = rec
		if rec.AutoTransformed {
			for i, t := range tasks {
				if known[t.Title] {
					continue
				}
				tasks[i].Title = capability.ApplyTransformations(t.Title, rec.Transformations)
				tasks[i].Description = capability.ApplyTransformations(t.Description, rec.Transformations)
			}
		}
	}
	update[proto.KeyConfirmedCoreTasks] = tasks
	return graph.Update(update), nil
}

// followup skips the questionnaire for a follow-up question. The question is
// still checked against the capability boundary and rewritten when the policy
// allows it.
func (n *Nodes) followup(ctx context.Context, s graph.State) graph.Result {
	n.logger.InfoCtx(ctx, "follow-up session, skipping questionnaire")
	update := map[string]any{
		proto.KeyStep1Completed: true,
		proto.KeyProcessingLog:  proto.LogNote(NodeStep1, "follow-up session, questionnaire skipped"),
	}
	question := s.String(proto.KeyUserInput)
	if strings.TrimSpace(question) == "" {
		return graph.Update(update)
	}
	rec := n.boundary.CheckFollowupQuestion(ctx, NodeStep1, question)
	update[proto.KeyCapabilityCheck] = rec
	if rec.AutoTransformed && rec.TransformedText != "" {
		update[proto.KeyUserInput] = rec.TransformedText
	}
	return graph.Update(update)
}

// skip closes the questionnaire with an empty summary.
func (n *Nodes) skip(ctx context.Context) graph.Result {
	n.logger.InfoCtx(ctx, "questionnaire skipped by client")
	return graph.Update(map[string]any{
		proto.KeyStep1Completed:       true,
		proto.KeyStep2Completed:       true,
		proto.KeyStep3Completed:       true,
		proto.FlagCalibrationSkipped:  true,
		proto.KeyQuestionnaireSummary: emptySummary(),
		proto.KeyProcessingLog:        proto.LogNote(NodeStep1, "questionnaire skipped"),
	})
}

// parseConfirmed reads confirmed_tasks (objects or titles) or the legacy
// confirmed_task string. Without either the extracted tasks stand.
func parseConfirmed(resp map[string]any, extracted []proto.Task) []proto.Task {
	if list, ok := resp["confirmed_tasks"].([]any); ok && len(list) > 0 {
		var tasks []proto.Task
		for i, item := range list {
			var t proto.Task
			switch v := item.(type) {
			case string:
				t = proto.Task{Title: strings.TrimSpace(v)}
			case map[string]any:
				t, _ = graph.As[proto.Task](v)
			}
			if t = normalizeTask(t, i); t.Title != "" {
				tasks = append(tasks, t)
			}
		}
		if len(tasks) > 0 {
			return tasks
		}
	}
	if legacy, ok := resp["confirmed_task"].(string); ok && strings.TrimSpace(legacy) != "" {
		var tasks []proto.Task
		for _, line := range strings.Split(legacy, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•·0123456789.、"))
			if line == "" {
				continue
			}
			title, desc, _ := strings.Cut(line, "：")
			t := normalizeTask(proto.Task{Title: title, Description: desc}, len(tasks))
			tasks = append(tasks, t)
		}
		if len(tasks) > 0 {
			return tasks
		}
	}
	return extracted
}

func normalizeTask(t proto.Task, i int) proto.Task {
	t.Title = strings.TrimSpace(t.Title)
	if t.ID == "" {
		t.ID = "task_" + itoa(i+1)
	}
	if t.Description == "" {
		t.Description = t.Title
	}
	if t.SourceKeywords == nil {
		t.SourceKeywords = []string{}
	}
	t.TaskType = proto.NormalizeTaskType(string(t.TaskType))
	t.Priority = proto.NormalizePriority(string(t.Priority))
	return t
}
