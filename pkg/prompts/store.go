// Package prompts loads the YAML configuration that drives every LLM call: per-step
// prompt templates, expert role configs, the role-agnostic autonomy protocol and the
// radar dimension library.
//
// The embedded data/ tree is always loaded. A directory override may be layered on
// top; files there replace embedded entries of the same name. Readers get an
// immutable snapshot, swapped atomically on reload.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"atelier/pkg/logx"
	"atelier/pkg/proto"
)

//go:embed data
var dataFS embed.FS

// Prompt names used by the workflow.
const (
	AnalystPhase1      = "requirements_analyst_phase1"
	AnalystPhase2      = "requirements_analyst_phase2"
	CoreTaskDecomposer = "core_task_decomposer"
	GapQuestions       = "gap_question_generator"
	PoeticInterpreter  = "poetic_interpreter"
	DimensionGenerator = "dimension_generator"
	ExpertRetry        = "expert_retry"

	// AutonomyProtocol is the protocol every expert follows.
	AutonomyProtocol = "autonomy_protocol"
)

var (
	// ErrPromptNotFound is returned when a named prompt is not configured.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrRoleNotFound is returned for an unknown role base type.
	ErrRoleNotFound = errors.New("role not found")
)

// Prompt is one per-step template.
type Prompt struct {
	Name         string  `yaml:"name" json:"name"`
	Version      string  `yaml:"version" json:"version"`
	Description  string  `yaml:"description" json:"description,omitempty"`
	SystemPrompt string  `yaml:"system_prompt" json:"system_prompt"`
	UserTemplate string  `yaml:"user_template" json:"user_template"`
	Temperature  float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens    int     `yaml:"max_tokens" json:"max_tokens,omitempty"`
}

// DeliverableTemplate is the default deliverable of a role base type.
type DeliverableTemplate struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Format          string   `yaml:"format"`
	Priority        string   `yaml:"priority"`
	RequireSearch   bool     `yaml:"require_search"`
	SuccessCriteria []string `yaml:"success_criteria"`
	Keywords        []string `yaml:"keywords"`
}

// RoleInstance is a concrete selectable expert of a base type.
type RoleInstance struct {
	Index        int      `yaml:"index"`
	Name         string   `yaml:"name"`
	Keywords     []string `yaml:"keywords"`
	ProjectTypes []string `yaml:"project_types"`
	Always       bool     `yaml:"always"`
}

// RoleID formats the instance id of base type.
func (ri RoleInstance) RoleID(baseType string) string {
	return fmt.Sprintf("%s-%d", baseType, ri.Index)
}

// RoleConfig is one expert base type ("V2", "V3", ...).
type RoleConfig struct {
	BaseType        string                `yaml:"base_type"`
	Name            string                `yaml:"name"`
	Description     string                `yaml:"description"`
	SystemPrompt    string                `yaml:"system_prompt"`
	ProtocolVersion string                `yaml:"protocol_version"`
	Deliverables    []DeliverableTemplate `yaml:"deliverables"`
	Instances       []RoleInstance        `yaml:"instances"`
}

// Protocol is a role-agnostic instruction block.
type Protocol struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Content      string `yaml:"content"`
	OutputFormat string `yaml:"output_format"`
}

// ProjectTypeDimensions lists dimension ids per selection tier.
type ProjectTypeDimensions struct {
	Required    []string `yaml:"required"`
	Recommended []string `yaml:"recommended"`
	Optional    []string `yaml:"optional"`
}

// DimensionLibrary is the radar dimension catalog.
type DimensionLibrary struct {
	MinDimensions      int                              `yaml:"min_dimensions"`
	MaxDimensions      int                              `yaml:"max_dimensions"`
	HardCap            int                              `yaml:"hard_cap"`
	Dimensions         []proto.Dimension                `yaml:"dimensions"`
	ScenarioDimensions []proto.Dimension                `yaml:"scenario_dimensions"`
	ProjectTypes       map[string]ProjectTypeDimensions `yaml:"project_types"`
	Defaults           []string                         `yaml:"default_dimensions"`
}

// Lookup returns a dimension by id from either list.
func (l *DimensionLibrary) Lookup(id string) (proto.Dimension, bool) {
	for _, d := range l.Dimensions {
		if d.ID == id {
			return d, true
		}
	}
	for _, d := range l.ScenarioDimensions {
		if d.ID == id {
			return d, true
		}
	}
	return proto.Dimension{}, false
}

// catalog is an immutable snapshot of every configured item.
type catalog struct {
	prompts    map[string]Prompt
	roles      map[string]RoleConfig
	protocols  map[string]Protocol
	dimensions DimensionLibrary
}

func newCatalog() *catalog {
	return &catalog{
		prompts:   make(map[string]Prompt),
		roles:     make(map[string]RoleConfig),
		protocols: make(map[string]Protocol),
	}
}

func (c *catalog) clone() *catalog {
	out := newCatalog()
	for k, v := range c.prompts {
		out.prompts[k] = v
	}
	for k, v := range c.roles {
		out.roles[k] = v
	}
	for k, v := range c.protocols {
		out.protocols[k] = v
	}
	out.dimensions = c.dimensions
	return out
}

// Store serves the current configuration snapshot.
type Store struct {
	logger *logx.Logger
	cur    atomic.Pointer[catalog]
	gen    atomic.Uint64
}

// NewStore loads the embedded configuration.
func NewStore() (*Store, error) {
	sub, err := fs.Sub(dataFS, "data")
	if err != nil {
		return nil, fmt.Errorf("embedded prompt data: %w", err)
	}
	cat := newCatalog()
	if err := cat.load(sub); err != nil {
		return nil, fmt.Errorf("failed to load embedded prompts: %w", err)
	}
	s := &Store{logger: logx.NewLogger("prompts")}
	s.cur.Store(cat)
	return s, nil
}

// MustStore is NewStore for callers that treat a broken embedded tree as fatal.
func MustStore() *Store {
	s, err := NewStore()
	if err != nil {
		panic(err)
	}
	return s
}

// LoadDir overlays the YAML files under dir onto the embedded configuration.
// The directory uses the same layout as the embedded tree (prompts/, roles/,
// protocols/, dimensions/). On error the previous snapshot is kept.
func (s *Store) LoadDir(dir string) error {
	base, err := NewStore()
	if err != nil {
		return err
	}
	cat := base.cur.Load().clone()
	if err := cat.load(os.DirFS(dir)); err != nil {
		return fmt.Errorf("failed to load prompt overrides from %s: %w", dir, err)
	}
	s.cur.Store(cat)
	s.gen.Add(1)
	s.logger.Info("📚 loaded prompt overrides from %s (%d prompts, %d roles)", dir, len(cat.prompts), len(cat.roles))
	return nil
}

// Generation counts successful reloads. It is bumped after the new snapshot is
// visible, so anything built after observing generation g reflects at least g.
func (s *Store) Generation() uint64 { return s.gen.Load() }

// Prompt returns the named prompt config.
func (s *Store) Prompt(name string) (Prompt, bool) {
	p, ok := s.cur.Load().prompts[name]
	return p, ok
}

// Render resolves name and substitutes vars into its system and user templates.
func (s *Store) Render(name string, vars map[string]string) (system, user string, err error) {
	p, ok := s.Prompt(name)
	if !ok {
		return "", "", fmt.Errorf("%s: %w", name, ErrPromptNotFound)
	}
	return Substitute(p.SystemPrompt, vars), Substitute(p.UserTemplate, vars), nil
}

// Role returns the config of a base type ("V2") or of a role id ("V2-1").
func (s *Store) Role(id string) (RoleConfig, error) {
	r, ok := s.cur.Load().roles[proto.BaseTypeOf(id)]
	if !ok {
		return RoleConfig{}, fmt.Errorf("%s: %w", id, ErrRoleNotFound)
	}
	return r, nil
}

// Roles returns all role configs ordered by base type.
func (s *Store) Roles() []RoleConfig {
	cat := s.cur.Load()
	out := make([]RoleConfig, 0, len(cat.roles))
	for _, r := range cat.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseType < out[j].BaseType })
	return out
}

// Protocol returns a named protocol block.
func (s *Store) Protocol(name string) (Protocol, bool) {
	p, ok := s.cur.Load().protocols[name]
	return p, ok
}

// Dimensions returns the radar dimension library.
func (s *Store) Dimensions() DimensionLibrary {
	return s.cur.Load().dimensions
}

func (c *catalog) load(fsys fs.FS) error {
	var errs []error
	walk := func(dir string, fn func(name string, raw []byte) error) {
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			return
		}
		for _, e := range entries {
			if e.IsDir() || !isYAML(e.Name()) {
				continue
			}
			p := path.Join(dir, e.Name())
			raw, err := fs.ReadFile(fsys, p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := fn(e.Name(), raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p, err))
			}
		}
	}

	walk("prompts", func(name string, raw []byte) error {
		var p Prompt
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Name == "" {
			p.Name = trimExt(name)
		}
		c.prompts[p.Name] = p
		return nil
	})
	walk("roles", func(name string, raw []byte) error {
		var r RoleConfig
		if err := yaml.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.BaseType == "" {
			return fmt.Errorf("role in %s has no base_type", name)
		}
		c.roles[r.BaseType] = r
		return nil
	})
	walk("protocols", func(name string, raw []byte) error {
		var p Protocol
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Name == "" {
			p.Name = trimExt(name)
		}
		c.protocols[p.Name] = p
		return nil
	})
	walk("dimensions", func(_ string, raw []byte) error {
		var lib DimensionLibrary
		if err := yaml.Unmarshal(raw, &lib); err != nil {
			return err
		}
		c.dimensions = lib
		return nil
	})
	return errors.Join(errs...)
}

//nolint:gochecknoglobals // compiled once
var placeholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Substitute replaces {key} placeholders present in vars. Unknown placeholders and
// other braces (JSON examples in templates) are left untouched.
func Substitute(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func trimExt(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
}
