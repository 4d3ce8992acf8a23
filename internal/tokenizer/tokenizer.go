// Package tokenizer estimates token counts for requests and partial
// responses. The backend reports exact counts on the final fragment of a
// response; these estimates cover the paths where that fragment never
// arrives (aborted streams, transport failures after partial output).
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jmallek/llamagate/internal/types"
)

// Tokenizer estimates token counts.
type Tokenizer interface {
	// CountText estimates tokens in a text string for a model.
	CountText(text, model string) (int, error)

	// CountMessages estimates prompt tokens for a conversation.
	CountMessages(messages []types.Message, model string) (int, error)

	// CountChatRequest estimates total prompt tokens including tool
	// definitions.
	CountChatRequest(req *types.ChatRequest) (int, error)
}

// Encoding names used by tiktoken. Open-weight chat models have no
// published tiktoken tables; cl100k_base is a close-enough approximation
// for budgeting.
const (
	EncodingCL100kBase = "cl100k_base"
	EncodingO200kBase  = "o200k_base"
)

type modelEncoding struct {
	prefix   string
	encoding string
}

// modelEncodings lists model prefixes with known encodings, longest prefix
// first. Anything unmatched falls back to cl100k_base.
var modelEncodings = []modelEncoding{
	{"gpt-4o", EncodingO200kBase},
	{"gpt-oss", EncodingO200kBase},
	{"o1", EncodingO200kBase},
	{"o3", EncodingO200kBase},
}

// Estimator implements Tokenizer using tiktoken-go, caching one encoder
// per encoding name.
type Estimator struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// New creates an Estimator.
func New() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (e *Estimator) resolveEncoding(model string) string {
	lower := strings.ToLower(model)
	for _, me := range modelEncodings {
		if strings.HasPrefix(lower, me.prefix) {
			return me.encoding
		}
	}
	return EncodingCL100kBase
}

func (e *Estimator) getEncoding(model string) (*tiktoken.Tiktoken, error) {
	name := e.resolveEncoding(model)

	e.mu.RLock()
	enc, ok := e.encodings[name]
	e.mu.RUnlock()
	if ok {
		return enc, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok = e.encodings[name]; ok {
		return enc, nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	e.encodings[name] = enc
	return enc, nil
}

// CountText estimates tokens in a text string.
func (e *Estimator) CountText(text, model string) (int, error) {
	if text == "" {
		return 0, nil
	}
	enc, err := e.getEncoding(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
