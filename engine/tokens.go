package engine

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage for the context-window warning.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter selects a tokenizer for the model, falling back to
// cl100k_base for unknown models.
func NewTokenCounter(model string) (*TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &TokenCounter{enc: enc}, nil
}

// Count returns the token count for text.
func (c *TokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages returns the approximate token total for a history.
func (c *TokenCounter) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		for _, b := range msg.Blocks {
			switch b.Kind {
			case BlockText:
				total += c.Count(b.Text)
			case BlockToolCall:
				if b.ToolCall != nil {
					total += c.Count(string(b.ToolCall.Args))
					if b.ToolCall.Result != nil {
						total += c.Count(b.ToolCall.Result.Content)
					}
				}
			}
		}
	}
	return total
}
