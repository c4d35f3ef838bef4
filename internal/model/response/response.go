// Package response models generated assistant output as an ordered list of
// typed parts and provides the merge rule used both while streaming and
// when consolidating persisted chunks.
package response

import (
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// PartType discriminates response parts.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartStructured PartType = "structured"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Part is one element of a response. Only Text parts are ever coalesced.
type Part struct {
	Type     PartType        `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCall       `json:"toolCall,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Response is an ordered list of parts. The zero value is the empty response.
type Response struct {
	Parts []Part `json:"parts"`
}

// Text builds a single-part text response.
func Text(s string) Response {
	return Response{Parts: []Part{{Type: PartText, Text: s}}}
}

// IsEmpty reports whether the response has no parts.
func (r Response) IsEmpty() bool {
	return len(r.Parts) == 0
}

// Text concatenates the text of every text part.
func (r Response) Text() string {
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Merge combines an accumulated response with the next fragment. When the
// last part of acc and the first part of frag are both text they become one
// text part; every other part is appended as is. Merge never mutates its
// arguments.
func Merge(acc, frag Response) Response {
	if frag.IsEmpty() {
		return clone(acc)
	}
	if acc.IsEmpty() {
		return clone(frag)
	}

	parts := make([]Part, 0, len(acc.Parts)+len(frag.Parts))
	parts = append(parts, acc.Parts...)
	rest := frag.Parts

	last := &parts[len(parts)-1]
	if last.Type == PartText && rest[0].Type == PartText {
		last.Text += rest[0].Text
		rest = rest[1:]
	}
	parts = append(parts, rest...)
	return Response{Parts: parts}
}

// Fold merges fragments left to right starting from the empty response.
func Fold(frags []Response) Response {
	var acc Response
	for _, f := range frags {
		acc = Merge(acc, f)
	}
	return acc
}

// FromMessage converts a streamed eino message delta into a fragment. The
// content becomes a text part and each tool call becomes its own part.
func FromMessage(msg *schema.Message) Response {
	if msg == nil {
		return Response{}
	}
	var parts []Part
	if msg.Content != "" {
		parts = append(parts, Part{Type: PartText, Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		parts = append(parts, Part{
			Type: PartToolCall,
			ToolCall: &ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return Response{Parts: parts}
}

func clone(r Response) Response {
	if len(r.Parts) == 0 {
		return Response{}
	}
	parts := make([]Part, len(r.Parts))
	copy(parts, r.Parts)
	return Response{Parts: parts}
}
