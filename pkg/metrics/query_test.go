package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokensResult = `{"status":"success","data":{"resultType":"vector","result":[
		{"metric":{"operation":"expert.V2-1","type":"prompt"},"value":[1700000000,"120"]},
		{"metric":{"operation":"expert.V2-1","type":"completion"},"value":[1700000000,"80"]},
		{"metric":{"operation":"analyst.phase1","type":"prompt"},"value":[1700000000,"50"]}
	]}}`
	errorsResult = `{"status":"success","data":{"resultType":"vector","result":[
		{"metric":{"operation":"poetic"},"value":[1700000000,"3"]}
	]}}`
)

func fakePrometheus(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")
		mu.Lock()
		queries = append(queries, query)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(query, "atelier_llm_tokens_total") {
			_, _ = w.Write([]byte(tokensResult))
			return
		}
		_, _ = w.Write([]byte(errorsResult))
	}))
	t.Cleanup(srv.Close)
	return srv, &queries
}

func TestUsageAggregatesByOperation(t *testing.T) {
	srv, _ := fakePrometheus(t)
	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	usage, err := q.Usage(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, usage, 3)

	assert.Equal(t, OperationUsage{
		Operation:        "expert.V2-1",
		PromptTokens:     120,
		CompletionTokens: 80,
		TotalTokens:      200,
	}, usage[0])
	assert.Equal(t, "analyst.phase1", usage[1].Operation)
	assert.Equal(t, int64(50), usage[1].TotalTokens)
	assert.Equal(t, "poetic", usage[2].Operation)
	assert.Equal(t, int64(3), usage[2].Errors)
}

func TestUsageWindowUsesIncrease(t *testing.T) {
	srv, queries := fakePrometheus(t)
	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	_, err = q.Usage(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, *queries, 2)
	assert.Equal(t, "sum by (operation, type) (increase(atelier_llm_tokens_total[1d]))", (*queries)[0])
	assert.Equal(t, `sum by (operation) (increase(atelier_llm_requests_total{status="error"}[1d]))`, (*queries)[1])
}

func TestUsageReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	}))
	t.Cleanup(srv.Close)

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	_, err = q.Usage(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query tokens")
}
