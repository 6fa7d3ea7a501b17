// Package tokenizer provides deterministic token counting for context-budget
// bookkeeping. Counts are estimates fed to the window manager; they only need
// to be stable and monotone, not provider-exact.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

// CountTokens returns the token count for text. It uses the cl100k_base BPE
// when the encoding data is available and falls back to a chars/4 heuristic
// otherwise, so counting never fails.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	once.Do(func() {
		if e, err := tiktoken.GetEncoding(defaultEncoding); err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens is the heuristic fallback: 4 characters per token on average.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len([]rune(s))/4 + 1
}
