// Package metrics provides metrics middleware for LLM clients.
package metrics

import (
	"context"
	"time"

	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/observe"
	"atelier/pkg/utils"
)

// UsageExtractor extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens with the cl100k tokenizer.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	return utils.CountTokensSimple(req.PromptText()), utils.CountTokensSimple(resp.Content)
}

// Middleware records latency, token usage and error types of every request into
// recorder and the in-process collector (under "llm.<operation>").
func Middleware(recorder observe.Recorder, collector *observe.Collector, usage UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usage == nil {
		usage = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = observe.Nop()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				errorType := ""
				if err == nil {
					promptTokens, completionTokens = usage(req, resp)
				} else {
					errorType = llm.Classify(err).String()
				}

				op := req.Operation
				if op == "" {
					op = "unlabeled"
				}
				recorder.ObserveLLM(next.GetModelName(), op, promptTokens, completionTokens, err == nil, errorType, duration)
				if collector != nil {
					collector.Record("llm."+op, duration, err == nil)
				}
				if logger != nil {
					status := "success"
					if err != nil {
						status = "error:" + errorType
					}
					logx.Debug(ctx, "llm", "🎯 %s model=%s tokens=%d+%d status=%s duration=%dms",
						op, next.GetModelName(), promptTokens, completionTokens, status, duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.GetModelName,
		)
	}
}
