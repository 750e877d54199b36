package inference

import (
	"fmt"
	"strings"

	"nanochat/internal/tokenizer"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RenderConversation encodes a chat as the token sequence the model was
// trained on: <|bos|>, then each turn framed by its role's start/end markers,
// ending with <|assistant_start|> so the model continues as the assistant.
// A leading system message is folded into the first user turn.
func RenderConversation(tok *tokenizer.Tokenizer, messages []Message) ([]int, error) {
	bos, err := tok.SpecialID(tokenizer.TokenBOS)
	if err != nil {
		return nil, err
	}
	userStart, err := tok.SpecialID(tokenizer.TokenUserStart)
	if err != nil {
		return nil, err
	}
	userEnd, err := tok.SpecialID(tokenizer.TokenUserEnd)
	if err != nil {
		return nil, err
	}
	asstStart, err := tok.SpecialID(tokenizer.TokenAssistantStart)
	if err != nil {
		return nil, err
	}
	asstEnd, err := tok.SpecialID(tokenizer.TokenAssistantEnd)
	if err != nil {
		return nil, err
	}

	ids := []int{bos}
	var system string
	for i, msg := range messages {
		switch msg.Role {
		case "system":
			if i != 0 {
				return nil, fmt.Errorf("system message must come first")
			}
			system = msg.Content
		case "user":
			content := msg.Content
			if system != "" {
				content = system + "\n\n" + content
				system = ""
			}
			ids = append(ids, userStart)
			// Message content never carries live markers; the frame ids
			// around it are appended explicitly.
			enc, err := tok.Encode(content, nil)
			if err != nil {
				return nil, err
			}
			ids = append(ids, enc...)
			ids = append(ids, userEnd)
		case "assistant":
			ids = append(ids, asstStart)
			enc, err := tok.Encode(msg.Content, nil)
			if err != nil {
				return nil, err
			}
			ids = append(ids, enc...)
			ids = append(ids, asstEnd)
		default:
			return nil, fmt.Errorf("unknown role %q", msg.Role)
		}
	}
	ids = append(ids, asstStart)
	return ids, nil
}

// CleanResponse strips any special-token text a decode may have left behind.
func CleanResponse(text string) string {
	for _, sp := range []string{
		tokenizer.TokenAssistantEnd,
		tokenizer.TokenAssistantStart,
		tokenizer.TokenBOS,
	} {
		text = strings.ReplaceAll(text, sp, "")
	}
	return strings.TrimSpace(text)
}
