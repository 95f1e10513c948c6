package dimensions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/mocks"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

func selector(t *testing.T) *Selector {
	t.Helper()
	store, err := prompts.NewStore()
	require.NoError(t, err)
	return NewSelector(store)
}

func categoriesSorted(t *testing.T, dims []proto.Dimension) {
	t.Helper()
	for i := 1; i < len(dims); i++ {
		prev, cur := proto.CategoryRank(dims[i-1].Category), proto.CategoryRank(dims[i].Category)
		assert.LessOrEqual(t, prev, cur, "%s before %s", dims[i-1].ID, dims[i].ID)
	}
}

func TestSelectResidential(t *testing.T) {
	sel := selector(t).Select(proto.ProjectPersonalResidential, "75平米一居室，现代简约", nil)

	ids := sel.IDs()
	assert.Len(t, ids, 10)
	for _, id := range []string{"cultural_axis", "decoration_axis", "function_axis", "spatial_openness", "emotional_tone"} {
		assert.Contains(t, ids, id)
	}
	assert.Empty(t, sel.Injected)
	categoriesSorted(t, sel.Dimensions)
	assert.Equal(t, []string{"cultural_axis", "decoration_axis", "material_axis", "color_temperature"}, ids[:4])
}

func TestSelectRanksOptionalByKeywords(t *testing.T) {
	sel := selector(t).Select("unknown_type", "想要智能家居和环保材料", nil)

	ids := sel.IDs()
	assert.Len(t, ids, 9)
	assert.Contains(t, ids, "smart_home")
	assert.Contains(t, ids, "sustainability")
	assert.Contains(t, ids, "temporal_axis")
	assert.NotContains(t, ids, "color_temperature")
	categoriesSorted(t, sel.Dimensions)
}

func TestSelectInjectsSceneDimensions(t *testing.T) {
	s := selector(t)
	sel := s.Select(proto.ProjectPersonalResidential, "月亮落在结冰的湖面上，极简禅意住宅", []string{"poetic_philosophical"})

	assert.Contains(t, sel.IDs(), "spiritual_atmosphere")
	assert.Equal(t, []string{"spiritual_atmosphere"}, sel.Injected)
	assert.LessOrEqual(t, len(sel.Dimensions), 15)
	last := sel.Dimensions[len(sel.Dimensions)-1]
	assert.Equal(t, SourceScenario, last.Source)

	all := []string{
		"poetic_philosophical", "tech_geek", "extreme_environment", "medical_special_needs",
		"cultural_depth", "complex_relationships", "innovative_business", "extreme_budget",
	}
	capped := s.Select(proto.ProjectPersonalResidential, "", all)
	assert.Len(t, capped.Dimensions, 15)
	seen := map[string]bool{}
	for _, id := range capped.IDs() {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestSelectorReadsReloadedLibrary(t *testing.T) {
	store := prompts.MustStore()
	s := NewSelector(store)
	require.Len(t, s.Select(proto.ProjectPersonalResidential, "", nil).Dimensions, 10)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dimensions"), 0o755))
	lib := `min_dimensions: 1
max_dimensions: 2
hard_cap: 2
dimensions:
  - {id: light_axis, name: 光线, category: aesthetic}
  - {id: sound_axis, name: 声音, category: functional}
project_types:
  default: {required: [light_axis, sound_axis]}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dimensions", "library.yaml"), []byte(lib), 0o600))
	require.NoError(t, store.LoadDir(dir))

	sel := s.Select(proto.ProjectPersonalResidential, "", nil)
	assert.ElementsMatch(t, []string{"light_axis", "sound_axis"}, sel.IDs())
}

func TestIsGap(t *testing.T) {
	for v := 0; v <= 100; v++ {
		for _, th := range []int{0, 5, 10, 12, 50} {
			d := v - 50
			if d < 0 {
				d = -d
			}
			assert.Equal(t, d < th, IsGap(v, th))
		}
	}
}

func TestAnalyzeClassifies(t *testing.T) {
	dims := []proto.Dimension{
		{ID: "cultural_axis", LeftLabel: "东方", RightLabel: "西方", DefaultValue: 50, GapThreshold: 12},
		{ID: "decoration_axis", LeftLabel: "极简", RightLabel: "繁复", DefaultValue: 50, GapThreshold: 12},
		{ID: "material_axis", LeftLabel: "天然", RightLabel: "人工", DefaultValue: 50, GapThreshold: 12},
		{ID: "social_mode", LeftLabel: "独处", RightLabel: "社交", DefaultValue: 40, GapThreshold: 5},
	}
	a := Analyze(dims, map[string]int{"cultural_axis": 10, "decoration_axis": 120, "material_axis": 52, "bogus": 3})

	assert.Equal(t, 100, a.Values["decoration_axis"])
	assert.Equal(t, 40, a.Values["social_mode"])
	assert.NotContains(t, a.Values, "bogus")
	assert.Equal(t, []string{"cultural_axis", "decoration_axis"}, a.Extreme)
	assert.Equal(t, []string{"material_axis"}, a.Balanced)
	assert.Equal(t, []string{"material_axis"}, a.Gaps)
	assert.Equal(t, "东方·繁复", a.ProfileLabel)
}

func TestProfileLabelBalanced(t *testing.T) {
	dims := []proto.Dimension{{ID: "cultural_axis", LeftLabel: "东方", RightLabel: "西方"}}
	assert.Equal(t, BalancedLabel, ProfileLabel(dims, map[string]int{"cultural_axis": 50}))
	assert.Equal(t, BalancedLabel, ProfileLabel(nil, nil))
	assert.Equal(t, "偏向东方", Tendency(dims[0], 20))
	assert.Equal(t, "中立", Tendency(dims[0], 50))
}

func TestParseGenerated(t *testing.T) {
	existing := []proto.Dimension{{ID: "cultural_axis"}}
	content := `{"dimensions": [
		{"id": "Pet Friendly", "name": "宠物友好", "left_label": "人本", "right_label": "宠物优先", "category": "vibes"},
		{"id": "cultural_axis", "left_label": "a", "right_label": "b"},
		{"id": "no_right", "left_label": "a"},
		{"id": "x1", "left_label": "a", "right_label": "b", "default_value": 70, "gap_threshold": 8},
		{"id": "x2", "left_label": "a", "right_label": "b"},
		{"id": "x3", "left_label": "a", "right_label": "b"}
	]}`
	dims, err := ParseGenerated(content, existing)
	require.NoError(t, err)
	require.Len(t, dims, MaxGenerated)
	assert.Equal(t, "pet_friendly", dims[0].ID)
	assert.Equal(t, proto.CategoryOther, dims[0].Category)
	assert.Equal(t, 50, dims[0].DefaultValue)
	assert.Equal(t, 10, dims[0].GapThreshold)
	assert.Equal(t, SourceLearned, dims[0].Source)
	assert.Equal(t, "x1", dims[1].ID)
	assert.Equal(t, 70, dims[1].DefaultValue)
	assert.Equal(t, "x2", dims[2].ID)
}

func TestGeneratorUsesLLM(t *testing.T) {
	store, err := prompts.NewStore()
	require.NoError(t, err)
	client := mocks.NewMockLLMClient().OnOperation("dimensions.generate",
		`{"dimensions": [{"id": "pet_space", "name": "宠物空间", "left_label": "少量", "right_label": "专属", "category": "functional"}]}`)
	g := NewGenerator(client, store, 0)

	dims, err := g.Generate(context.Background(), "养了三只猫", []proto.Dimension{{ID: "cultural_axis", Name: "文化归属"}})
	require.NoError(t, err)
	require.Len(t, dims, 1)
	assert.Equal(t, proto.CategoryFunctional, dims[0].Category)
	assert.Contains(t, client.CallsFor("dimensions.generate")[0].PromptText(), "文化归属")

	failing := NewGenerator(mocks.NewMockLLMClient().FailOperation("dimensions.generate", errors.New("x")), store, 0)
	_, err = failing.Generate(context.Background(), "养了三只猫", nil)
	assert.Error(t, err)
}

func TestCoverage(t *testing.T) {
	dims := []proto.Dimension{{Keywords: []string{"极简"}}, {Keywords: []string{"收纳"}}}
	assert.InDelta(t, 0.5, Coverage(dims, "极简风"), 1e-9)
	assert.Equal(t, 0.0, Coverage(nil, "x"))
}
