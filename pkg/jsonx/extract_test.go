package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObjectStrategies(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  string
		want any
	}{
		{"plain", `{"a": 1}`, "a", 1.0},
		{"json fence", "分析如下：\n```json\n{\"info_status\": \"sufficient\"}\n```\n完毕", "info_status", "sufficient"},
		{"generic fence", "```\n{\"ok\": true}\n```", "ok", true},
		{"prose around", `好的，结果是 {"score": 3, "note": "含有}括号"} 以上。`, "note", "含有}括号"},
		{"escaped quote", `x {"s": "say \"hi\" {"} y`, "s", `say "hi" {`},
		{"chinese quotes", `{“title”: “住宅”}`, "title", "住宅"},
		{"chinese quotes inside value", `{style: "风格“温馨”"}`, "style", "风格“温馨”"},
		{"nested chinese quotes", `{“style”: “风格“温馨”的”}`, "style", "风格“温馨”的"},
		{"ascii quote in chinese string", `{“note”: “他说"好"”}`, "note", `他说"好"`},
		{"bare keys", `{title: "方案", count: 2}`, "count", 2.0},
		{"comments", "{\n  // 注释\n  \"a\": 1, /* block */ \"b\": \"http://x\"\n}", "b", "http://x"},
		{"trailing comma", `{"list": [1, 2,], "k": "v",}`, "k", "v"},
		{"truncated", `{"tasks": [{"title": "A"}, {"title": "B"`, "tasks", []any{map[string]any{"title": "A"}, map[string]any{"title": "B"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := ExtractObject(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, obj[tt.key])
		})
	}
}

func TestRepairKeepsQuotesInsideStrings(t *testing.T) {
	in := `{"style": "风格“温馨”", "mood": "‘静’"}`
	assert.Equal(t, in, Repair(in))

	obj, err := ExtractObject(`{"style": "风格“温馨”", note: 1}`)
	require.NoError(t, err)
	assert.Equal(t, "风格“温馨”", obj["style"])
}

func TestExtractObjectFailure(t *testing.T) {
	_, err := ExtractObject("没有任何结构化内容")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ExtractObject("[1, 2, 3]")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractValueArray(t *testing.T) {
	v, err := ExtractValue("tasks:\n[{\"title\": \"x\"}]")
	require.NoError(t, err)
	arr, ok := v.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 1)

	v, err = ExtractValue(`{"tasks": [1]}`)
	require.NoError(t, err)
	assert.IsType(t, map[string]any{}, v)
}

func TestExtractIntoStruct(t *testing.T) {
	var out struct {
		Tasks []struct {
			Title string `json:"title"`
		} `json:"tasks"`
	}
	require.NoError(t, Extract("```json\n{\"tasks\":[{\"title\":\"调研\"}]}\n```", &out))
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "调研", out.Tasks[0].Title)
}

func TestObjectOrFallback(t *testing.T) {
	base := map[string]any{"info_status": "insufficient"}

	obj, ok := ObjectOrFallback("garbage", base)
	assert.False(t, ok)
	assert.Equal(t, true, obj["fallback"])
	assert.Equal(t, "insufficient", obj["info_status"])
	assert.NotContains(t, base, "fallback")

	obj, ok = ObjectOrFallback(`{"info_status":"sufficient"}`, base)
	assert.True(t, ok)
	assert.NotContains(t, obj, "fallback")
}

func TestStripCommentsKeepsStrings(t *testing.T) {
	assert.Equal(t, `{"u": "a//b"}`, stripComments(`{"u": "a//b"}`))
	assert.Equal(t, "{ \"a\": 1}", stripComments("{/* x */ \"a\": 1}"))
}
