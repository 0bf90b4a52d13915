// Package composer reads chat messages and renders retrieved diary content
// back into them.
package composer

import (
	"encoding/json"
	"strings"
)

// Message is one chat message. All JSON fields are preserved so that
// messages round-trip to the upstream unchanged apart from their text.
type Message map[string]json.RawMessage

// NewMessage builds a message with string content.
func NewMessage(role, content string) Message {
	m := make(Message)
	m["role"], _ = json.Marshal(role)
	m["content"], _ = json.Marshal(content)
	return m
}

// ParseMessages decodes an OpenAI-style messages array.
func ParseMessages(data json.RawMessage) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarshalMessages encodes messages back into a JSON array.
func MarshalMessages(msgs []Message) (json.RawMessage, error) {
	return json.Marshal(msgs)
}

// Role returns the message role, or "".
func (m Message) Role() string {
	var role string
	if v, ok := m["role"]; ok {
		json.Unmarshal(v, &role)
	}
	return role
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text returns string content as is, or the text parts of multi-part
// content joined by newlines.
func (m Message) Text() string {
	v, ok := m["content"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(v, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Clone returns a shallow copy that can be modified independently.
func (m Message) Clone() Message {
	c := make(Message, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Segments returns the editable text pieces of the message: the whole
// content when it is a string, or each text part of multi-part content.
func (m Message) Segments() []string {
	v, ok := m["content"]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return []string{s}
	}
	var parts []map[string]json.RawMessage
	if err := json.Unmarshal(v, &parts); err != nil {
		return nil
	}
	var out []string
	for _, p := range parts {
		if text, ok := textOf(p); ok {
			out = append(out, text)
		}
	}
	return out
}

// SetSegments writes back segments previously returned by Segments. It
// leaves the message untouched if the number of segments no longer matches.
func (m Message) SetSegments(segs []string) {
	v, ok := m["content"]
	if !ok {
		return
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if len(segs) == 1 {
			m["content"], _ = json.Marshal(segs[0])
		}
		return
	}
	var parts []map[string]json.RawMessage
	if err := json.Unmarshal(v, &parts); err != nil {
		return
	}
	i := 0
	for _, p := range parts {
		if _, ok := textOf(p); !ok {
			continue
		}
		if i >= len(segs) {
			return
		}
		p["text"], _ = json.Marshal(segs[i])
		i++
	}
	if i != len(segs) {
		return
	}
	if b, err := json.Marshal(parts); err == nil {
		m["content"] = b
	}
}

func textOf(p map[string]json.RawMessage) (string, bool) {
	var typ, text string
	if t, ok := p["type"]; ok {
		json.Unmarshal(t, &typ)
	}
	if typ != "text" {
		return "", false
	}
	if t, ok := p["text"]; ok {
		json.Unmarshal(t, &text)
	}
	return text, true
}
