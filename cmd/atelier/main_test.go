package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/pkg/config"
	"atelier/pkg/persistence"
	"atelier/pkg/proto"
)

const brief = "我是32岁的前金融律师，75平米一居室，预算60万，想要现代简约风格的住宅设计"

// sandbox runs the CLI in a scratch directory with its own sqlite store.
func sandbox(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("ATELIER_STORE_DRIVER", config.DriverSQLite)
	t.Setenv("ATELIER_STORE_DSN", filepath.Join(dir, "sessions.db"))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		config.Set(nil)
	})
}

// execute runs one CLI invocation and returns the last JSON document printed.
func execute(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--json"}, args...))
	require.NoError(t, root.Execute())

	var last map[string]any
	dec := json.NewDecoder(&out)
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		last = doc
	}
	return last
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		kind proto.InteractionType
		line string
		want any
		ok   bool
	}{
		{"empty takes default", proto.InteractionStep2, "\n", map[string]any{"values": map[string]any{}}, true},
		{"q pauses", proto.InteractionStep1, "q", nil, false},
		{"bare action", proto.InteractionUnifiedReview, " modify ", map[string]any{"action": "modify"}, true},
		{"json", proto.InteractionStep3, `{"answers": {"q1": "A"}}`, map[string]any{"answers": map[string]any{"q1": "A"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseResponse(string(tt.kind), tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, _, err := parseResponse(string(proto.InteractionStep1), "{broken")
	assert.Error(t, err)
}

func TestDefaultResponse(t *testing.T) {
	assert.Equal(t, "confirm", defaultResponse(string(proto.InteractionStep1))["action"])
	assert.Equal(t, "confirm", defaultResponse(string(proto.InteractionConfirmation))["action"])
	assert.Contains(t, defaultResponse(string(proto.InteractionStep3)), "answers")
	assert.Equal(t, "approve", defaultResponse(string(proto.InteractionUnifiedReview))["action"])
}

func TestReadBrief(t *testing.T) {
	got, err := readBrief([]string{"  hello  "}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	got, err = readBrief(nil, "", strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	_, err = readBrief(nil, "", strings.NewReader("   "))
	assert.Error(t, err)
}

func TestRunAutoCompletes(t *testing.T) {
	sandbox(t)
	out := execute(t, "run", "--auto", brief)
	require.NotNil(t, out)
	assert.Equal(t, persistence.StatusCompleted, out["status"])
	report, ok := out["structured_report"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, report["sections"])
}

func TestRunPausesThenResumes(t *testing.T) {
	sandbox(t)
	paused := execute(t, "run", "--user", "u-1", brief)
	require.Equal(t, persistence.StatusWaitingForInput, paused["status"])
	id, _ := paused["session_id"].(string)
	require.NotEmpty(t, id)
	interrupt, ok := paused["interrupt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(proto.InteractionStep1), interrupt["interaction_type"])

	done := execute(t, "resume", id, "--response", "confirm", "--auto")
	assert.Equal(t, persistence.StatusCompleted, done["status"])

	shown := execute(t, "sessions", "show", id)
	assert.Equal(t, persistence.StatusCompleted, shown["status"])
	assert.Equal(t, "u-1", shown["user_id"])

	execute(t, "sessions", "cancel", id)
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"sessions", "show", id})
	assert.ErrorIs(t, root.Execute(), persistence.ErrSessionNotFound)
}

func TestResumeRejectsFinishedSession(t *testing.T) {
	sandbox(t)
	out := execute(t, "run", "--auto", brief)
	id, _ := out["session_id"].(string)

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"resume", id, "--auto"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending interrupt")
}

func TestRouter(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.Logs.EventDir = ""
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.newRouter())
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status": "ok"`)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")

	code, _ = get("/stats")
	assert.Equal(t, http.StatusOK, code)
}

func TestUsageQueriesPrometheus(t *testing.T) {
	sandbox(t)
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		result := `[]`
		if strings.Contains(r.Form.Get("query"), "tokens") {
			result = `[{"metric":{"operation":"poetic","type":"prompt"},"value":[1700000000,"42"]}]`
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":` + result + `}}`))
	}))
	t.Cleanup(prom.Close)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--json", "usage", "--prometheus", prom.URL})
	require.NoError(t, root.Execute())

	var usage []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &usage))
	require.Len(t, usage, 1)
	assert.Equal(t, "poetic", usage[0]["operation"])
	assert.EqualValues(t, 42, usage[0]["total_tokens"])
}
