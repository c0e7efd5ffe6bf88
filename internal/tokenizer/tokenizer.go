// Package tokenizer estimates prompt token counts with the tiktoken
// encodings OpenAI-family models actually use, so rate limiting and
// logging work from a real token count instead of a character-count guess.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps a model name prefix to its tiktoken encoding.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4-turbo", "cl100k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"text-embedding-3", "cl100k_base"},
}

const defaultEncoding = "cl100k_base"

func encodingForModel(model string) string {
	for _, m := range modelEncodings {
		if len(model) >= len(m.prefix) && model[:len(m.prefix)] == m.prefix {
			return m.encoding
		}
	}
	return defaultEncoding
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := encodingForModel(model)

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if enc, ok := cache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	cache[name] = enc
	return enc, nil
}

// Message is the minimal shape CountMessages needs from a chat turn.
type Message struct {
	Role    string
	Content string
}

// CountMessages estimates the prompt token count for model, following the
// OpenAI chat-completion framing overhead (per-message role/content tokens
// plus a fixed conversation wrapper). Falls back to a chars/4 estimate if
// the tiktoken encoding can't be loaded.
func CountMessages(model string, messages []Message) float64 {
	enc, err := encodingFor(model)
	if err != nil {
		return charEstimate(messages)
	}

	total := 0
	for _, m := range messages {
		total += 4
		total += len(enc.Encode(m.Content, nil, nil))
		total += len(enc.Encode(m.Role, nil, nil))
	}
	total += 3
	return float64(total)
}

func charEstimate(messages []Message) float64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	return float64(chars) / 4.0
}
