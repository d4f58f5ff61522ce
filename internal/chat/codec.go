package chat

import (
	"encoding/json"
	"fmt"
)

// wirePart is the JSON envelope for a Part: a "type" discriminator plus the
// variant's own fields.
type wirePart struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	Input      string        `json:"input,omitempty"`
	Output     string        `json:"output,omitempty"`
	State      ToolCallState `json:"state,omitempty"`

	File *FileRef `json:"file,omitempty"`
}

// EncodePart converts a Part into its tagged wire form.
func EncodePart(p Part) (json.RawMessage, error) {
	var w wirePart
	switch v := p.(type) {
	case TextPart:
		w = wirePart{Type: PartText, Text: v.Text}
	case ReasoningPart:
		w = wirePart{Type: PartReasoning, Text: v.Text}
	case ToolCallPart:
		w = wirePart{
			Type:       PartToolCall,
			ToolCallID: v.ToolCallID,
			ToolName:   v.ToolName,
			Input:      v.Input,
			Output:     v.Output,
			State:      v.State,
		}
	case FilePart:
		f := v.File
		w = wirePart{Type: PartFile, File: &f}
	default:
		return nil, fmt.Errorf("encode part: unsupported type %T", p)
	}
	return json.Marshal(w)
}

// DecodePart parses a tagged wire part.
func DecodePart(data []byte) (Part, error) {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode part: %w", err)
	}
	switch w.Type {
	case PartText:
		return TextPart{Text: w.Text}, nil
	case PartReasoning:
		return ReasoningPart{Text: w.Text}, nil
	case PartToolCall:
		return ToolCallPart{
			ToolCallID: w.ToolCallID,
			ToolName:   w.ToolName,
			Input:      w.Input,
			Output:     w.Output,
			State:      w.State,
		}, nil
	case PartFile:
		if w.File == nil {
			return nil, fmt.Errorf("decode part: file part without file")
		}
		return FilePart{File: *w.File}, nil
	default:
		return nil, fmt.Errorf("decode part: unknown type %q", w.Type)
	}
}

// MarshalParts encodes an ordered part list as a JSON array.
func MarshalParts(parts []Part) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		data, err := EncodePart(p)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

// UnmarshalParts decodes a JSON array written by MarshalParts.
func UnmarshalParts(data []byte) ([]Part, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	parts := make([]Part, 0, len(raw))
	for _, r := range raw {
		p, err := DecodePart(r)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

type wireMessage struct {
	ID              string          `json:"id"`
	Role            Role            `json:"role"`
	Parts           json.RawMessage `json:"parts"`
	ServerPersisted bool            `json:"server_persisted,omitempty"`
}

// MarshalJSON implements json.Marshaler so messages can cross the relay.
func (m Message) MarshalJSON() ([]byte, error) {
	parts, err := MarshalParts(m.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{ID: m.ID, Role: m.Role, Parts: parts, ServerPersisted: m.ServerPersisted})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts, err := UnmarshalParts(w.Parts)
	if err != nil {
		return err
	}
	m.ID = w.ID
	m.Role = w.Role
	m.Parts = parts
	m.ServerPersisted = w.ServerPersisted
	return nil
}
