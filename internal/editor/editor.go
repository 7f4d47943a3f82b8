// Package editor models an expression editing surface that mixes free text with
// atomic references to catalog variables. It has no UI; hosts translate their
// native input events into the operations below and render Content.
package editor

import (
	"strings"
	"unicode"
)

type Editor struct {
	segments []Segment
	cursor   Cursor
	saved    Cursor

	word        string
	suggestions []Variable
	highlighted int
	panel       PanelState
	multi       map[string]struct{}

	variables []Variable
	project   string
	onChange  func(Snapshot)
}

type Option func(*Editor)

func WithVariables(vars []Variable) Option {
	return func(e *Editor) { e.variables = append([]Variable(nil), vars...) }
}

func WithProject(project string) Option {
	return func(e *Editor) { e.project = project }
}

// WithChangeHandler registers fn to receive the content after every mutation.
func WithChangeHandler(fn func(Snapshot)) Option {
	return func(e *Editor) { e.onChange = fn }
}

func New(opts ...Option) *Editor {
	e := &Editor{
		segments: []Segment{{}},
		multi:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Editor) Project() string { return e.project }

func (e *Editor) SetProject(project string) { e.project = project }

// SetVariables replaces the catalog the editor matches against. Selections of
// variables that disappeared are dropped and an open panel is refreshed.
func (e *Editor) SetVariables(vars []Variable) {
	e.variables = append([]Variable(nil), vars...)
	present := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		present[v.ID] = struct{}{}
	}
	for id := range e.multi {
		if _, ok := present[id]; !ok {
			delete(e.multi, id)
		}
	}
	if e.panel == PanelOpen || e.panel == PanelNoMatches {
		e.refreshSuggestions()
	}
}

func (e *Editor) Variables() []Variable { return append([]Variable(nil), e.variables...) }

func (e *Editor) Content() []Segment { return append([]Segment(nil), e.segments...) }

func (e *Editor) Cursor() Cursor { return e.cursor }

func (e *Editor) Word() string { return e.word }

func (e *Editor) Snapshot() Snapshot {
	return Snapshot{Segments: e.Content(), Cursor: e.cursor}
}

// Tokens returns the tokens in document order.
func (e *Editor) Tokens() []Token {
	var out []Token
	for _, s := range e.segments {
		if s.Token != nil {
			out = append(out, *s.Token)
		}
	}
	return out
}

// Restore replaces the content, for example with a saved draft, and places the
// cursor at the end. A segment carrying both a token and text is malformed.
func (e *Editor) Restore(segments []Segment) error {
	for _, s := range segments {
		if s.Token != nil && (s.Token.label == "" || s.Token.reference == "" || s.Text != "") {
			return ErrMalformedToken
		}
	}
	e.segments = normalize(segments)
	e.resetTransient()
	e.moveToEnd()
	e.notify()
	return nil
}

// SetCursor moves the live cursor without saving it, mirroring a native
// selection change the editor has not yet observed as input.
func (e *Editor) SetCursor(c Cursor) error {
	if !e.valid(c) {
		return ErrInvalidCursor
	}
	e.cursor = c
	return nil
}

// OnTextInput recomputes the word before the cursor and the suggestions for it,
// and saves the cursor for a later insertion.
func (e *Editor) OnTextInput() {
	e.word = e.wordBeforeCursor()
	e.saved = e.cursor
	e.refreshSuggestions()
}

// InsertText applies typed text at the cursor.
func (e *Editor) InsertText(s string) {
	if s == "" {
		return
	}
	c := e.resolveToText(e.cursor)
	runes := []rune(e.segments[c.Segment].Text)
	text := string(runes[:c.Offset]) + s + string(runes[c.Offset:])
	e.segments[c.Segment] = Segment{Text: text}
	e.cursor = Cursor{Segment: c.Segment, Offset: c.Offset + runeLen(s)}
	e.notify()
	e.OnTextInput()
}

// InsertSingle replaces the word before the saved cursor with a token for v
// followed by a single space.
func (e *Editor) InsertSingle(v Variable) error {
	return e.replaceWord([]Variable{v})
}

// InsertBatch inserts every multi-selected variable, ordered by name and
// separated by ", ", in place of the word before the saved cursor.
func (e *Editor) InsertBatch() error {
	selected := e.selectedVariables()
	if len(selected) == 0 {
		e.resetTransient()
		return nil
	}
	return e.replaceWord(selected)
}

func (e *Editor) replaceWord(vars []Variable) error {
	defer e.resetTransient()
	if e.project == "" {
		return ErrMissingProjectContext
	}
	for _, v := range vars {
		if strings.TrimSpace(v.Name) == "" {
			return ErrInvalidVariable
		}
	}
	e.cursor = e.saved
	if !e.valid(e.cursor) || e.segments[e.cursor.Segment].Token != nil {
		return ErrInvalidInsertionPoint
	}

	k, o := e.cursor.Segment, e.cursor.Offset
	runes := []rune(e.segments[k].Text)
	start := wordStart(runes, o)

	inserted := make([]Segment, 0, 2*len(vars)+1)
	inserted = append(inserted, Segment{Text: string(runes[:start])})
	for i, v := range vars {
		if i > 0 {
			inserted = append(inserted, Segment{Text: ", "})
		}
		tok := newToken(e.project, v)
		inserted = append(inserted, Segment{Token: &tok})
	}
	inserted = append(inserted, Segment{Text: " " + string(runes[o:])})

	e.segments = splice(e.segments, k, 1, inserted)
	e.cursor = Cursor{Segment: k + len(inserted) - 1, Offset: 1}
	e.saved = e.cursor
	e.notify()
	return nil
}

// DeleteBackward removes the token at or immediately before the cursor as a
// unit, or else one character. It reports whether a token was removed.
func (e *Editor) DeleteBackward() bool {
	c := e.cursor
	removed := false
	switch {
	case e.segments[c.Segment].Token != nil:
		e.removeToken(c.Segment)
		removed = true
	case c.Offset == 0 && c.Segment > 0:
		e.removeToken(c.Segment - 1)
		removed = true
	case c.Offset > 0:
		runes := []rune(e.segments[c.Segment].Text)
		e.segments[c.Segment] = Segment{Text: string(runes[:c.Offset-1]) + string(runes[c.Offset:])}
		e.cursor.Offset--
		e.notify()
	}
	e.OnTextInput()
	return removed
}

func (e *Editor) removeToken(k int) {
	prev := e.segments[k-1].Text
	merged := prev + e.segments[k+1].Text
	e.segments = splice(e.segments, k-1, 3, []Segment{{Text: merged}})
	e.cursor = Cursor{Segment: k - 1, Offset: runeLen(prev)}
	e.notify()
}

// Clear empties the content and every transient state.
func (e *Editor) Clear() {
	e.segments = []Segment{{}}
	e.cursor = Cursor{}
	e.saved = Cursor{}
	e.resetTransient()
	e.notify()
}

func (e *Editor) MoveLeft() {
	c := e.resolveToText(e.cursor)
	switch {
	case c.Offset > 0:
		c.Offset--
	case c.Segment > 0:
		c = Cursor{Segment: c.Segment - 2, Offset: runeLen(e.segments[c.Segment-2].Text)}
	}
	e.cursor, e.saved = c, c
	e.resetTransient()
}

func (e *Editor) MoveRight() {
	c := e.resolveToText(e.cursor)
	switch {
	case c.Offset < runeLen(e.segments[c.Segment].Text):
		c.Offset++
	case c.Segment+2 < len(e.segments):
		c = Cursor{Segment: c.Segment + 2}
	}
	e.cursor, e.saved = c, c
	e.resetTransient()
}

func (e *Editor) MoveToEnd() {
	e.moveToEnd()
	e.resetTransient()
}

func (e *Editor) moveToEnd() {
	last := len(e.segments) - 1
	e.cursor = Cursor{Segment: last, Offset: runeLen(e.segments[last].Text)}
	e.saved = e.cursor
}

func (e *Editor) resetTransient() {
	e.word = ""
	e.suggestions = nil
	e.highlighted = 0
	e.panel = PanelHidden
	e.multi = map[string]struct{}{}
}

func (e *Editor) notify() {
	if e.onChange != nil {
		e.onChange(e.Snapshot())
	}
}

func (e *Editor) valid(c Cursor) bool {
	if c.Segment < 0 || c.Segment >= len(e.segments) || c.Offset < 0 {
		return false
	}
	if e.segments[c.Segment].Token != nil {
		return c.Offset <= 1
	}
	return c.Offset <= runeLen(e.segments[c.Segment].Text)
}

// resolveToText maps a cursor resting on a token to the adjacent text run.
func (e *Editor) resolveToText(c Cursor) Cursor {
	if e.segments[c.Segment].Token == nil {
		return c
	}
	if c.Offset == 0 {
		return Cursor{Segment: c.Segment - 1, Offset: runeLen(e.segments[c.Segment-1].Text)}
	}
	return Cursor{Segment: c.Segment + 1}
}

func (e *Editor) wordBeforeCursor() string {
	seg := e.segments[e.cursor.Segment]
	if seg.Token != nil {
		return ""
	}
	runes := []rune(seg.Text)
	return string(runes[wordStart(runes, e.cursor.Offset):e.cursor.Offset])
}

func wordStart(runes []rune, end int) int {
	start := end
	for start > 0 && !unicode.IsSpace(runes[start-1]) {
		start--
	}
	return start
}
