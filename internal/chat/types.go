package chat

import (
	"encoding/json"
	"strings"
)

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON accepts content either as a plain string or as an array of
// typed parts, keeping only the text parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = ""
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	if raw.Content[0] == '"' {
		return json.Unmarshal(raw.Content, &m.Content)
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return err
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	m.Content = b.String()
	return nil
}

// LastUserMessage returns the content of the last message with role "user".
func LastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// ChatRequest is the OpenAI-compatible chat completion request.
// Fields not explicitly modeled are preserved in Extra for pass-through.
type ChatRequest struct {
	Model    string                     `json:"model"`
	Messages []Message                  `json:"messages"`
	Stream   bool                       `json:"stream,omitempty"`
	Extra    map[string]json.RawMessage `json:"-"`
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage)
	for k, v := range r.Extra {
		m[k] = v
	}
	if r.Model != "" {
		b, _ := json.Marshal(r.Model)
		m["model"] = b
	}
	if r.Messages != nil {
		b, err := json.Marshal(r.Messages)
		if err != nil {
			return nil, err
		}
		m["messages"] = b
	}
	if r.Stream {
		m["stream"] = json.RawMessage(`true`)
	}
	return json.Marshal(m)
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["model"]; ok {
		if err := json.Unmarshal(v, &r.Model); err != nil {
			return err
		}
		delete(raw, "model")
	}
	if v, ok := raw["messages"]; ok {
		if err := json.Unmarshal(v, &r.Messages); err != nil {
			return err
		}
		delete(raw, "messages")
	}
	if v, ok := raw["stream"]; ok {
		json.Unmarshal(v, &r.Stream)
		delete(raw, "stream")
	}
	r.Extra = raw
	return nil
}

// Model represents a model entry returned by the /v1/models endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
