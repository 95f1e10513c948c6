// Package dimensions selects radar-chart preference dimensions for a project and
// interprets the values a client sets on them.
package dimensions

import (
	"sort"
	"strings"

	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

// Dimension sources.
const (
	SourceLibrary  = "library"
	SourceScenario = "scenario"
	SourceLearned  = "learning_optimized"
)

const defaultProjectType = "default"

// Selection is the chosen dimension list and the scenario dimensions injected into it.
type Selection struct {
	Dimensions []proto.Dimension `json:"dimensions"`
	Injected   []string          `json:"injected,omitempty"`
}

// IDs returns the selected dimension ids in order.
func (s Selection) IDs() []string {
	ids := make([]string, 0, len(s.Dimensions))
	for _, d := range s.Dimensions {
		ids = append(ids, d.ID)
	}
	return ids
}

// Library serves the current dimension library. *prompts.Store implements it.
type Library interface {
	Dimensions() prompts.DimensionLibrary
}

// Selector picks dimensions from a library. Every Select reads the library
// afresh, so a reloaded store takes effect on the next call.
type Selector struct {
	src Library
}

// NewSelector creates a selector over src.
func NewSelector(src Library) *Selector {
	return &Selector{src: src}
}

// Select seeds with the project type's required dimensions, adds recommended ones,
// tops up from keyword-ranked optional ones and the global defaults, sorts by
// category, clamps to the library bounds, then injects one dimension set per
// detected scene up to the hard cap.
func (s *Selector) Select(projectType, userInput string, scenes []string) Selection {
	lib := s.src.Dimensions()
	pt, ok := lib.ProjectTypes[projectType]
	if !ok {
		pt = lib.ProjectTypes[defaultProjectType]
	}
	lo, hi, limit := bounds(&lib)

	picked := newPicker(&lib)
	for _, id := range pt.Required {
		picked.add(id, SourceLibrary)
	}
	for _, id := range pt.Recommended {
		if picked.len() >= hi {
			break
		}
		picked.add(id, SourceLibrary)
	}
	if picked.len() < lo {
		for _, id := range rankOptional(&lib, pt.Optional, userInput) {
			if picked.len() >= lo {
				break
			}
			picked.add(id, SourceLibrary)
		}
	}
	if picked.len() < lo {
		for _, id := range lib.Defaults {
			if picked.len() >= lo {
				break
			}
			picked.add(id, SourceLibrary)
		}
	}

	dims := SortByCategory(picked.list)
	if len(dims) > hi {
		dims = dims[:hi]
	}

	sel := Selection{Dimensions: dims}
	picked.reset(dims)
	for _, scene := range scenes {
		for _, d := range lib.ScenarioDimensions {
			if d.TriggeredByScene != scene || picked.has(d.ID) {
				continue
			}
			if picked.len() >= limit {
				break
			}
			picked.add(d.ID, SourceScenario)
			sel.Dimensions = append(sel.Dimensions, picked.list[len(picked.list)-1])
			sel.Injected = append(sel.Injected, d.ID)
		}
	}
	return sel
}

func bounds(lib *prompts.DimensionLibrary) (lo, hi, limit int) {
	lo, hi, limit = lib.MinDimensions, lib.MaxDimensions, lib.HardCap
	if lo <= 0 {
		lo = 9
	}
	if hi < lo {
		hi = max(lo, 12)
	}
	if limit < hi {
		limit = max(hi, 15)
	}
	return lo, hi, limit
}

// rankOptional orders optional ids by keyword hits in the brief, highest first.
// Ties keep library order.
func rankOptional(lib *prompts.DimensionLibrary, ids []string, userInput string) []string {
	type ranked struct {
		id   string
		hits int
	}
	rs := make([]ranked, 0, len(ids))
	for _, id := range ids {
		d, ok := lib.Lookup(id)
		if !ok {
			continue
		}
		rs = append(rs, ranked{id: id, hits: KeywordHits(d, userInput)})
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].hits > rs[j].hits })
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.id)
	}
	return out
}

// KeywordHits counts the dimension keywords present in text.
func KeywordHits(d proto.Dimension, text string) int {
	n := 0
	for _, kw := range d.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// Coverage is the share of dims with at least one keyword in the brief.
func Coverage(dims []proto.Dimension, userInput string) float64 {
	if len(dims) == 0 {
		return 0
	}
	hit := 0
	for _, d := range dims {
		if KeywordHits(d, userInput) > 0 {
			hit++
		}
	}
	return float64(hit) / float64(len(dims))
}

// SortByCategory orders dims by category, keeping relative order within a category.
func SortByCategory(dims []proto.Dimension) []proto.Dimension {
	out := append([]proto.Dimension(nil), dims...)
	sort.SliceStable(out, func(i, j int) bool {
		return proto.CategoryRank(out[i].Category) < proto.CategoryRank(out[j].Category)
	})
	return out
}

type picker struct {
	lib  *prompts.DimensionLibrary
	seen map[string]bool
	list []proto.Dimension
}

func newPicker(lib *prompts.DimensionLibrary) *picker {
	return &picker{lib: lib, seen: make(map[string]bool)}
}

func (p *picker) add(id, source string) {
	if p.seen[id] {
		return
	}
	d, ok := p.lib.Lookup(id)
	if !ok {
		return
	}
	p.seen[id] = true
	d.Source = source
	d.Keywords = append([]string(nil), d.Keywords...)
	p.list = append(p.list, d)
}

func (p *picker) has(id string) bool { return p.seen[id] }

func (p *picker) len() int { return len(p.list) }

func (p *picker) reset(dims []proto.Dimension) {
	p.seen = make(map[string]bool, len(dims))
	p.list = append([]proto.Dimension(nil), dims...)
	for _, d := range dims {
		p.seen[d.ID] = true
	}
}
