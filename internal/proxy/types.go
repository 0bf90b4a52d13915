package proxy

import (
	"encoding/json"
	"fmt"
	"maps"
)

// ChatRequest is a chat completion request on its way upstream. Only the
// fields the diary pipeline touches are decoded; sampling parameters, tools
// and anything else the client sent ride along untouched in Extra.
type ChatRequest struct {
	Model    string                     `json:"model"`
	Messages json.RawMessage            `json:"messages"`
	Stream   bool                       `json:"stream,omitempty"`
	Extra    map[string]json.RawMessage `json:"-"`
}

// MarshalJSON writes Extra first and lets the modeled fields win.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	out := maps.Clone(r.Extra)
	if out == nil {
		out = make(map[string]json.RawMessage, 3)
	}
	if r.Model != "" {
		model, err := json.Marshal(r.Model)
		if err != nil {
			return nil, err
		}
		out["model"] = model
	}
	if len(r.Messages) > 0 {
		out["messages"] = r.Messages
	}
	if r.Stream {
		out["stream"] = json.RawMessage("true")
	} else {
		delete(out, "stream")
	}
	return json.Marshal(out)
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = ChatRequest{Messages: fields["messages"]}
	if v, ok := fields["model"]; ok {
		if err := json.Unmarshal(v, &r.Model); err != nil {
			return fmt.Errorf("model: %w", err)
		}
	}
	if v, ok := fields["stream"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &r.Stream); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
	}
	for _, k := range []string{"model", "messages", "stream"} {
		delete(fields, k)
	}
	r.Extra = fields
	return nil
}

// Model is one entry of the upstream model catalogue.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
