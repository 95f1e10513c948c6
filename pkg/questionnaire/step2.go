package questionnaire

import (
	"context"

	"atelier/pkg/completeness"
	"atelier/pkg/dimensions"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
)

// Step2 selects radar dimensions and asks the client to place each slider.
func (n *Nodes) Step2(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	if s.Bool(proto.KeyStep2Completed) {
		return graph.Update(nil), nil
	}
	if in.Resumed {
		return n.step2Resume(ctx, in)
	}

	userInput := s.String(proto.KeyUserInput)
	scenes, _ := graph.Decode[map[string]completeness.Scene](s, proto.KeySpecialSceneMetadata)
	sel := n.selector.Select(s.String(proto.KeyProjectType), userInput, completeness.SceneIDs(scenes))
	dims := sel.Dimensions

	if n.cfg.ForceDimensions || (n.cfg.DynamicDimensions && dimensions.Coverage(dims, userInput) < dimensions.LowCoverage) {
		extra, err := n.generator.Generate(ctx, userInput, dims)
		if err != nil {
			n.logger.WarnCtx(ctx, "bespoke dimensions skipped: %v", err)
		}
		limit := n.store.Dimensions().HardCap
		for _, d := range extra {
			if limit > 0 && len(dims) >= limit {
				break
			}
			dims = append(dims, d)
		}
	}

	tasks := confirmedTasks(s)
	update := map[string]any{
		proto.KeyRadarDimensions: dims,
		proto.KeyProcessingLog:   proto.LogNote(NodeStep2, "selected "+itoa(len(dims))+" radar dimensions"),
	}
	payload := proto.StepPayload{
		InteractionType: proto.InteractionStep2,
		Step:            2,
		TotalSteps:      totalSteps,
		Title:           "设计偏好雷达",
		Message:         "请在每个维度上拖动滑块，表达您的倾向。",
		Dimensions:      dims,
		CoreTask:        coreTaskText(tasks),
		CapabilityAlert: pendingAlert(s, NodeStep1),
		Options:         map[string]string{"submit": "提交偏好"},
	}
	return graph.Suspend(payload, update), nil
}

func (n *Nodes) step2Resume(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	dims, _ := graph.Decode[[]proto.Dimension](s, proto.KeyRadarDimensions)

	values := dimensions.Defaults(dims)
	if raw, ok := response(in)["values"].(map[string]any); ok {
		for id, v := range raw {
			f, ok := v.(float64)
			if !ok {
				continue
			}
			if _, known := values[id]; !known {
				n.logger.WarnCtx(ctx, "ignoring value for unknown dimension %s", id)
				continue
			}
			values[id] = int(f)
		}
	}
	analysis := dimensions.Analyze(dims, values)
	return graph.Update(map[string]any{
		proto.KeyRadarValues:    analysis.Values,
		proto.KeyRadarAnalysis:  analysis,
		proto.KeyStep2Completed: true,
		proto.KeyProcessingLog:  proto.LogNote(NodeStep2, "profile "+analysis.ProfileLabel),
	}), nil
}
