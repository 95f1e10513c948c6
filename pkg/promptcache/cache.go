// Package promptcache builds the static part of every expert prompt once per role
// type and renders only the per-call dynamic sections.
package promptcache

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"atelier/pkg/graph"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// maxPriorityTasks is how many confirmed tasks the priority block lists.
const maxPriorityTasks = 3

// Template holds the prebuilt static sections of one role type.
type Template struct {
	RoleType     string
	base         string
	autonomy     string
	outputFormat string
}

// Cache is a process-wide map from role type and store generation to Template.
// Entries are immutable once stored; lookups after the first are lock-free. A
// store reload starts a new generation and drops the older entries.
type Cache struct {
	store  *prompts.Store
	m      sync.Map
	gen    atomic.Uint64
	builds atomic.Int64
}

type cacheKey struct {
	roleType string
	gen      uint64
}

// New creates an empty cache over store.
func New(store *prompts.Store) *Cache {
	return &Cache{store: store}
}

// Get returns the template of roleType ("V2" or "V2-1"), building it on first use.
func (c *Cache) Get(roleType string) (*Template, error) {
	gen := c.store.Generation()
	if prev := c.gen.Swap(gen); prev != gen {
		c.prune(gen)
	}
	key := cacheKey{roleType: proto.BaseTypeOf(roleType), gen: gen}
	if t, ok := c.m.Load(key); ok {
		return t.(*Template), nil
	}
	t, err := c.build(key.roleType)
	if err != nil {
		return nil, err
	}
	actual, _ := c.m.LoadOrStore(key, t)
	return actual.(*Template), nil
}

func (c *Cache) prune(gen uint64) {
	c.m.Range(func(k, _ any) bool {
		if k.(cacheKey).gen != gen {
			c.m.Delete(k)
		}
		return true
	})
}

// Builds reports how many templates were constructed.
func (c *Cache) Builds() int64 { return c.builds.Load() }

func (c *Cache) build(roleType string) (*Template, error) {
	role, err := c.store.Role(roleType)
	if err != nil {
		return nil, err
	}
	protocol, ok := c.store.Protocol(prompts.AutonomyProtocol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", prompts.AutonomyProtocol, prompts.ErrPromptNotFound)
	}
	c.builds.Add(1)
	return &Template{
		RoleType:     roleType,
		base:         strings.TrimSpace(role.SystemPrompt),
		autonomy:     strings.TrimSpace(protocol.Content),
		outputFormat: strings.TrimSpace(protocol.OutputFormat),
	}, nil
}

// RenderInput is the dynamic part of an expert prompt.
type RenderInput struct {
	DynamicRoleName   string
	Instruction       proto.TaskInstruction
	Context           string
	State             graph.State
	CreativeModeNote  string
	SearchQueriesHint string
}

// Render assembles the system and user prompts.
func (t *Template) Render(in RenderInput) (system, user string) {
	name := in.DynamicRoleName
	if name == "" {
		name = t.RoleType
	}
	var sb strings.Builder
	sb.WriteString(prompts.Substitute(t.base, map[string]string{"dynamic_role_name": name}))
	sb.WriteString("\n\n")
	sb.WriteString(t.autonomy)
	sb.WriteString("\n\n")
	sb.WriteString(t.outputFormat)
	if note := strings.TrimSpace(in.CreativeModeNote); note != "" {
		sb.WriteString("\n\n## 创意模式\n")
		sb.WriteString(note)
	}
	system = sb.String()

	var ub strings.Builder
	if ctx := strings.TrimSpace(in.Context); ctx != "" {
		ub.WriteString("## 项目上下文\n")
		ub.WriteString(ctx)
		ub.WriteString("\n\n")
	}
	ub.WriteString(stateSummary(in.State))
	ub.WriteString(instructionBlock(in.Instruction))
	if in.SearchQueriesHint != "" {
		ub.WriteString(in.SearchQueriesHint)
		ub.WriteString("\n\n")
	}
	ub.WriteString(qualityStandards)
	return system, ub.String()
}

const qualityStandards = `## 输出质量标准
- 每个交付物必须直接回应任务指令中的成功标准
- 观点具体、可执行，避免空泛形容
- 引用的事实与案例必须可追溯
- 严格输出JSON，不要附加解释文字
`

func stateSummary(s graph.State) string {
	var b strings.Builder
	b.WriteString("## 项目状态\n")
	if input := s.String(proto.KeyUserInput); input != "" {
		fmt.Fprintf(&b, "- 客户描述：%s\n", utils.Truncate(input, 300))
	}
	if pt := s.String(proto.KeyProjectType); pt != "" {
		fmt.Fprintf(&b, "- 项目类型：%s\n", pt)
	}
	if label := profileLabel(s); label != "" {
		fmt.Fprintf(&b, "- 偏好画像：%s\n", label)
	}
	b.WriteString("\n")

	tasks, _ := graph.Decode[[]proto.Task](s, proto.KeyConfirmedCoreTasks)
	if len(tasks) > 0 {
		b.WriteString("## 核心任务优先级\n")
		for i, task := range tasks {
			if i == maxPriorityTasks {
				break
			}
			fmt.Fprintf(&b, "%d. %s（%s）\n", i+1, task.Title, task.Priority)
		}
		b.WriteString("请优先围绕以上核心任务展开分析。\n\n")
	}
	return b.String()
}

func profileLabel(s graph.State) string {
	summary, ok := graph.Decode[proto.QuestionnaireSummary](s, proto.KeyQuestionnaireSummary)
	if !ok {
		return ""
	}
	return summary.ProfileLabel
}

func instructionBlock(ti proto.TaskInstruction) string {
	var b strings.Builder
	b.WriteString("## 任务指令\n")
	if ti.Objective != "" {
		fmt.Fprintf(&b, "目标：%s\n", ti.Objective)
	}
	if len(ti.Deliverables) > 0 {
		b.WriteString("交付物：\n")
		for i, d := range ti.Deliverables {
			fmt.Fprintf(&b, "%d. %s：%s", i+1, d.Name, d.Description)
			if d.Priority != "" {
				fmt.Fprintf(&b, "（优先级 %s）", d.Priority)
			}
			b.WriteString("\n")
			for _, c := range d.SuccessCriteria {
				fmt.Fprintf(&b, "   - 标准：%s\n", c)
			}
		}
	}
	writeList(&b, "成功标准", ti.SuccessCriteria)
	writeList(&b, "约束", ti.Constraints)
	writeList(&b, "需要参考的上下文", ti.ContextRequirements)
	b.WriteString("\n")
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s：\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
