// Copyright (c) LocalRouter Authors.
// Licensed under the MIT License.

/*
Package types holds the provider-independent data model shared by every
component of the gateway.

# Overview

types is the lowest-level package in the module and depends on nothing else
internal, so strategy, provider, mcpgateway, httpapi and every other package
can import it without risking a cycle.

# Core types

  - Message / Part / ToolCall / ToolResult — conversation turns, either plain
    text or a sequence of typed parts (text, image_url, tool_call, tool_result)
  - CompletionRequest / CompletionResponse / CompletionChunk — the normalised,
    provider-independent completion shapes dispatched to and returned from P
  - ToolSchema / ToolChoice / ResponseFormat / SamplingParams
  - EmbeddingRequest / EmbeddingResponse
  - Error / ErrorCode — the single tagged error type propagated everywhere
  - JSONSchema — JSON Schema definition and builder helpers
  - TokenUsage / Tokenizer / EstimateTokenizer — token accounting helpers

# Context propagation

WithTraceID / WithTenantID / WithUserID / WithRunID and their matching
extractors thread request-scoped identifiers through context.Context.
*/
package types
