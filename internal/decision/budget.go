package decision

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

const truncatedMarker = "\n[truncated]"

// Budget counts and trims text in model tokens.
type Budget struct {
	tokenizer *tiktoken.Tiktoken
}

// NewBudget selects the tokenizer for model, falling back to cl100k_base.
// When no encoding can be loaded, counts are estimated at four bytes per
// token.
func NewBudget(model string) *Budget {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
			return &Budget{}
		}
	}
	return &Budget{tokenizer: enc}
}

// Count returns the token count for text.
func (b *Budget) Count(text string) int {
	if b.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Truncate cuts text to at most max tokens. A cut text ends with a
// "[truncated]" marker; max <= 0 disables truncation.
func (b *Budget) Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	if b.tokenizer == nil {
		limit := max * 4
		if len(text) <= limit {
			return text
		}
		return text[:limit] + truncatedMarker
	}
	tokens := b.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= max {
		return text
	}
	return b.tokenizer.Decode(tokens[:max]) + truncatedMarker
}
