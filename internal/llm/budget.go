package llm

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Budget keeps prompts within a token allowance using the cl100k encoding.
type Budget struct {
	codec      tokenizer.Codec
	maxPrompt  int
	maxMessage int
}

// NewBudget creates a budget allowing maxPrompt tokens of message text per
// prompt and maxMessage tokens per message. Non-positive limits disable that check.
func NewBudget(maxPrompt, maxMessage int) (*Budget, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &Budget{codec: codec, maxPrompt: maxPrompt, maxMessage: maxMessage}, nil
}

// Count returns the number of tokens in text. If the encoder fails it falls
// back to counting whitespace-separated words.
func (b *Budget) Count(text string) int {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(ids)
}

// Truncate cuts text to at most max tokens, marking the cut with an ellipsis.
func (b *Budget) Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	ids, _, err := b.codec.Encode(text)
	if err != nil || len(ids) <= max {
		return text
	}
	head, err := b.codec.Decode(ids[:max])
	if err != nil {
		return text
	}
	return strings.TrimSpace(head) + "…"
}

// Fit truncates each text to the per-message limit and keeps texts, in order,
// until the prompt allowance is spent. It returns the kept texts and how many
// were left out. The first text is always kept.
func (b *Budget) Fit(texts []string) ([]string, int) {
	kept := make([]string, 0, len(texts))
	used := 0
	for i, t := range texts {
		t = b.Truncate(t, b.maxMessage)
		n := b.Count(t)
		if b.maxPrompt > 0 && i > 0 && used+n > b.maxPrompt {
			return kept, len(texts) - i
		}
		used += n
		kept = append(kept, t)
	}
	return kept, 0
}
