package tokenizer

import (
	"fmt"
	"strings"
)

// Template renders a conversation into prompt text.
type Template string

const (
	TemplateChatML   Template = "chatml"
	TemplateDeepSeek Template = "deepseek"
	TemplatePlain    Template = "plain"
)

const deepseekSystem = "You are an AI programming assistant, utilizing the DeepSeek Coder model, " +
	"developed by DeepSeek Company, and you only answer questions related to computer science. " +
	"For politically sensitive questions, security and privacy issues, and other non-computer " +
	"science questions, you will refuse to answer\n"

// ParseTemplate accepts chatml, deepseek or plain.
func ParseTemplate(s string) (Template, error) {
	switch t := Template(strings.ToLower(strings.TrimSpace(s))); t {
	case TemplateChatML, TemplateDeepSeek, TemplatePlain:
		return t, nil
	case "":
		return TemplatePlain, nil
	default:
		return "", fmt.Errorf("unknown chat template %q", s)
	}
}

// detectTemplate guesses the template from a Jinja chat_template source.
func detectTemplate(src string) Template {
	switch {
	case strings.Contains(src, "<|im_start|>"):
		return TemplateChatML
	case strings.Contains(src, "### Instruction"):
		return TemplateDeepSeek
	default:
		return TemplatePlain
	}
}

// Render formats msgs and opens an assistant turn.
func (t Template) Render(msgs []Message) string {
	var sb strings.Builder
	switch t {
	case TemplateChatML:
		for _, m := range msgs {
			sb.WriteString("<|im_start|>")
			sb.WriteString(m.Role)
			sb.WriteString("\n")
			sb.WriteString(m.Content)
			sb.WriteString("<|im_end|>\n")
		}
		sb.WriteString("<|im_start|>assistant\n")
	case TemplateDeepSeek:
		hasSystem := false
		for _, m := range msgs {
			if m.Role == "system" {
				hasSystem = true
				break
			}
		}
		if !hasSystem {
			sb.WriteString(deepseekSystem)
		}
		for _, m := range msgs {
			switch m.Role {
			case "system":
				sb.WriteString(m.Content)
				sb.WriteString("\n")
			case "assistant":
				sb.WriteString("### Response:\n")
				sb.WriteString(m.Content)
				sb.WriteString("\n<|EOT|>\n")
			default:
				sb.WriteString("### Instruction:\n")
				sb.WriteString(m.Content)
				sb.WriteString("\n")
			}
		}
		sb.WriteString("### Response:\n")
	default:
		for _, m := range msgs {
			sb.WriteString(m.Role)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("assistant: ")
	}
	return sb.String()
}

// EncodeChat renders msgs with the tokenizer's template and encodes the
// result, prepending BOS when tokenizer_config.json asks for it.
func (t *Tokenizer) EncodeChat(msgs []Message) ([]int32, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrUnencodable)
	}
	ids, err := t.Encode(t.template.Render(msgs))
	if err != nil {
		return nil, err
	}
	if t.addBOS && t.bos >= 0 {
		ids = append([]int32{t.bos}, ids...)
	}
	return ids, nil
}
