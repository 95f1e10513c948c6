package workflow

import (
	"context"
	"fmt"

	"atelier/pkg/graph"
	"atelier/pkg/proto"
)

// batch fans out one branch per selected expert. Results land in
// agent_results under the role id; failed branches in batch_errors.
func (w *Workflow) batch(ctx context.Context, in graph.Input) (graph.Result, error) {
	roles, _ := graph.Decode[[]proto.RoleRef](in.State, proto.KeySelectedRoles)
	round := in.State.Int(proto.KeyRevisitCount)
	note := fmt.Sprintf("并行执行 %d 位专家（第 %d 轮）", len(roles), round+1)
	w.logger.InfoCtx(ctx, "%s", note)
	return graph.Result{
		Command: graph.Command{Update: map[string]any{
			proto.KeyProcessingLog: proto.LogNote(NodeBatch, note),
		}},
		Fanout: &graph.Fanout{
			Into:     proto.KeyAgentResults,
			Branches: w.experts.Branches(in.State, roles),
			Limit:    w.cfg.BatchConcurrency,
		},
	}, nil
}
