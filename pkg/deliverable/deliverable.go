// Package deliverable mints the deliverable records of every selected expert
// before the batch runs and keeps the role to deliverable ownership map.
package deliverable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"atelier/pkg/graph"
	"atelier/pkg/logx"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// NodeName is the workflow node running the generator.
const NodeName = "deliverable_id_generator"

// DetailNoRoles is reported when no role was selected.
const DetailNoRoles = "未找到选定角色"

const suffixLen = 3

var (
	// ErrDuplicateID is returned by Verify when an id is minted twice.
	ErrDuplicateID = errors.New("deliverable id assigned more than once")
	// ErrOrphanID is returned by Verify when metadata and owner map disagree.
	ErrOrphanID = errors.New("deliverable id without owner")
)

// Assignment is the outcome of one generation run.
type Assignment struct {
	Metadata map[string]proto.DeliverableMeta `json:"metadata"`
	OwnerMap map[string][]string              `json:"owner_map"`
	Detail   string                           `json:"detail,omitempty"`
}

// Generator mints deliverable ids from the role templates.
type Generator struct {
	store  *prompts.Store
	now    func() time.Time
	suffix func() string
	logger *logx.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time used in ids and created_at.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSuffix overrides the random id suffix source.
func WithSuffix(fn func() string) Option {
	return func(g *Generator) { g.suffix = fn }
}

// NewGenerator creates a generator reading templates from store.
func NewGenerator(store *prompts.Store, opts ...Option) *Generator {
	g := &Generator{
		store:  store,
		now:    time.Now,
		suffix: func() string { return utils.RandomSuffix(suffixLen) },
		logger: logx.NewLogger("deliverable"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewID formats "{role_id}_{index}_{HHMMSS}_{suffix}".
func NewID(roleID string, index int, at time.Time, suffix string) string {
	return fmt.Sprintf("%s_%d_%s_%s", roleID, index, at.Format("150405"), strings.ToLower(suffix))
}

// OwnerRole returns the role id prefix of a deliverable id. Role ids never
// contain an underscore.
func OwnerRole(id string) string {
	if i := strings.Index(id, "_"); i > 0 {
		return id[:i]
	}
	return ""
}

// Generate mints one record per template deliverable of every role. Keywords
// and must_include constraints are derived from the questionnaire answers and
// the brief.
func (g *Generator) Generate(ctx context.Context, roles []proto.RoleRef, s graph.State) Assignment {
	a := Assignment{
		Metadata: map[string]proto.DeliverableMeta{},
		OwnerMap: map[string][]string{},
	}
	if len(roles) == 0 {
		a.Detail = DetailNoRoles
		return a
	}

	facts := collectFacts(s)
	at := g.now()
	for _, role := range roles {
		cfg, err := g.store.Role(role.RoleID)
		if err != nil {
			g.logger.WarnCtx(ctx, "role %s has no deliverable templates: %v", role.RoleID, err)
			a.OwnerMap[role.RoleID] = []string{}
			continue
		}
		ids := make([]string, 0, len(cfg.Deliverables))
		for i, tpl := range cfg.Deliverables {
			id := NewID(role.RoleID, i+1, at, g.suffix())
			for {
				if _, taken := a.Metadata[id]; !taken {
					break
				}
				id = NewID(role.RoleID, i+1, at, utils.RandomSuffix(suffixLen))
			}
			a.Metadata[id] = proto.DeliverableMeta{
				ID:            id,
				Name:          tpl.Name,
				Description:   tpl.Description,
				Format:        tpl.Format,
				Priority:      string(proto.NormalizePriority(tpl.Priority)),
				RequireSearch: tpl.RequireSearch,
				Keywords:      facts.keywords(tpl),
				Constraints:   proto.DeliverableConstraints{MustInclude: facts.mustInclude(tpl)},
				OwnerRole:     role.RoleID,
				CreatedAt:     at.UTC().Format(time.RFC3339),
			}
			ids = append(ids, id)
		}
		a.OwnerMap[role.RoleID] = ids
	}
	return a
}

// Verify checks that every id is owned by exactly one role and that the owner
// map references only known ids.
func Verify(a Assignment) error {
	seen := make(map[string]bool, len(a.Metadata))
	for role, ids := range a.OwnerMap {
		for _, id := range ids {
			if seen[id] {
				return fmt.Errorf("%s: %w", id, ErrDuplicateID)
			}
			seen[id] = true
			meta, ok := a.Metadata[id]
			if !ok || meta.OwnerRole != role {
				return fmt.Errorf("%s listed under %s: %w", id, role, ErrOrphanID)
			}
		}
	}
	for id := range a.Metadata {
		if !seen[id] {
			return fmt.Errorf("%s: %w", id, ErrOrphanID)
		}
	}
	return nil
}

// ForRole returns the deliverables owned by roleID in minting order.
func ForRole(s graph.State, roleID string) []proto.DeliverableMeta {
	metas, _ := graph.Decode[map[string]proto.DeliverableMeta](s, proto.KeyDeliverableMetadata)
	owners, _ := graph.Decode[map[string][]string](s, proto.KeyDeliverableOwnerMap)
	ids := owners[roleID]
	out := make([]proto.DeliverableMeta, 0, len(ids))
	for _, id := range ids {
		if m, ok := metas[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Node mints the deliverables of selected_roles.
func (g *Generator) Node(ctx context.Context, in graph.Input) (graph.Result, error) {
	roles, _ := graph.Decode[[]proto.RoleRef](in.State, proto.KeySelectedRoles)
	a := g.Generate(ctx, roles, in.State)
	if err := Verify(a); err != nil {
		g.logger.ErrorCtx(ctx, "deliverable assignment inconsistent: %v", err)
	}

	note := fmt.Sprintf("为 %d 个角色生成 %d 个交付物", len(roles), len(a.Metadata))
	if a.Detail != "" {
		note = a.Detail
	}
	g.logger.InfoCtx(ctx, "%s", note)
	return graph.Update(map[string]any{
		proto.KeyDeliverableMetadata:     a.Metadata,
		proto.KeyDeliverableOwnerMap:     a.OwnerMap,
		proto.KeyDeliverableAssignDetail: a.Detail,
		proto.KeyProcessingLog:           proto.LogNote(NodeName, note),
	}), nil
}

// IDs returns every minted id in sorted order.
func (a Assignment) IDs() []string {
	out := make([]string, 0, len(a.Metadata))
	for id := range a.Metadata {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
