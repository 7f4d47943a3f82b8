package editor

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Token is an atomic reference to a variable. Its fields are fixed at insertion
// and it is only ever removed as a whole.
type Token struct {
	variableID string
	label      string
	reference  string
	typ        VariableType
}

func newToken(project string, v Variable) Token {
	return Token{
		variableID: v.ID,
		label:      v.Name,
		reference:  ReferenceFor(project, v),
		typ:        v.Type,
	}
}

func (t Token) VariableID() string { return t.variableID }
func (t Token) Label() string      { return t.label }
func (t Token) Reference() string  { return t.reference }
func (t Token) Type() VariableType { return t.typ }

type tokenJSON struct {
	VariableID string       `json:"variableId"`
	Label      string       `json:"label"`
	Reference  string       `json:"reference"`
	Type       VariableType `json:"type"`
}

func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenJSON{
		VariableID: t.variableID,
		Label:      t.label,
		Reference:  t.reference,
		Type:       t.typ,
	})
}

func (t *Token) UnmarshalJSON(data []byte) error {
	var raw tokenJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Label == "" || raw.Reference == "" {
		return fmt.Errorf("%w: label and reference are required", ErrMalformedToken)
	}
	*t = Token{variableID: raw.VariableID, label: raw.Label, reference: raw.Reference, typ: raw.Type}
	return nil
}

// Segment is one element of the content: a text run when Token is nil,
// otherwise a token.
type Segment struct {
	Text  string `json:"text,omitempty"`
	Token *Token `json:"token,omitempty"`
}

func (s Segment) IsToken() bool { return s.Token != nil }

// Cursor addresses a position in the content. On a text run Offset counts runes;
// on a token 0 means before it and 1 means after it.
type Cursor struct {
	Segment int `json:"segment"`
	Offset  int `json:"offset"`
}

// Snapshot is the raw content handed to hosts after every mutation.
type Snapshot struct {
	Segments []Segment `json:"segments"`
	Cursor   Cursor    `json:"cursor"`
}

// normalize merges adjacent text runs and pads tokens with empty text runs so
// the result alternates text, token, text, ..., text.
func normalize(in []Segment) []Segment {
	out := []Segment{{}}
	for _, s := range in {
		last := &out[len(out)-1]
		if s.Token == nil {
			if last.Token == nil {
				last.Text += s.Text
			} else {
				out = append(out, Segment{Text: s.Text})
			}
			continue
		}
		if last.Token != nil {
			out = append(out, Segment{})
		}
		tok := *s.Token
		out = append(out, Segment{Token: &tok})
	}
	if out[len(out)-1].Token != nil {
		out = append(out, Segment{})
	}
	return out
}

func splice(segs []Segment, at, remove int, insert []Segment) []Segment {
	out := make([]Segment, 0, len(segs)-remove+len(insert))
	out = append(out, segs[:at]...)
	out = append(out, insert...)
	out = append(out, segs[at+remove:]...)
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
