package main

import (
	"context"
	"errors"

	"github.com/qaforge/orchestrator-core/internal/runtime"
)

// The LLM provider adapter and MCP tool-call runtime are explicitly
// out-of-scope external collaborators (spec §1): this binary wires the
// orchestration core against them as interfaces only. The stubs below
// satisfy those interfaces with an explicit "not configured" error so a
// deployment wires its own adapter in place of these before tasks can
// actually run, rather than the core silently pretending to work without
// one.
var errProviderNotConfigured = errors.New("orchestratord: no LLM/tool provider adapter configured for this deployment")

type unimplementedLLM struct{}

func (unimplementedLLM) Complete(ctx context.Context, req runtime.CompletionRequest) (runtime.CompletionResponse, error) {
	return runtime.CompletionResponse{}, errProviderNotConfigured
}

type unimplementedTools struct{}

func (unimplementedTools) Call(ctx context.Context, name string, params map[string]any) (runtime.ToolResult, error) {
	return runtime.ToolResult{}, errProviderNotConfigured
}

type unimplementedClassifier struct{}

func (unimplementedClassifier) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", errProviderNotConfigured
}
