package editor

import (
	"sort"
	"strings"
)

// PanelState is what the suggestion panel should show.
type PanelState int

const (
	PanelHidden PanelState = iota
	PanelPlaceholder
	PanelNoMatches
	PanelOpen
)

func (p PanelState) String() string {
	switch p {
	case PanelPlaceholder:
		return "placeholder"
	case PanelNoMatches:
		return "no-matches"
	case PanelOpen:
		return "open"
	default:
		return "hidden"
	}
}

// Filter returns the variables whose name contains word, ignoring case, sorted
// ascending by name. An empty word matches nothing.
func Filter(vars []Variable, word string) []Variable {
	if word == "" {
		return nil
	}
	needle := strings.ToLower(word)
	out := make([]Variable, 0)
	for _, v := range vars {
		if strings.Contains(strings.ToLower(v.Name), needle) {
			out = append(out, v)
		}
	}
	sortByName(out)
	return out
}

// sortByName orders case-insensitively, falling back to the exact name so the
// order is total.
func sortByName(vars []Variable) {
	sort.SliceStable(vars, func(i, j int) bool {
		a, b := strings.ToLower(vars[i].Name), strings.ToLower(vars[j].Name)
		if a != b {
			return a < b
		}
		return vars[i].Name < vars[j].Name
	})
}

func (e *Editor) refreshSuggestions() {
	e.highlighted = 0
	if e.word == "" {
		e.suggestions = nil
		e.panel = PanelHidden
		e.multi = map[string]struct{}{}
		return
	}
	e.suggestions = Filter(e.variables, e.word)
	if len(e.suggestions) == 0 {
		e.panel = PanelNoMatches
		return
	}
	e.panel = PanelOpen
}

// OpenSuggestions shows the panel on demand. With no word in progress it shows
// the placeholder instead of a list.
func (e *Editor) OpenSuggestions() {
	if e.word == "" {
		e.suggestions = nil
		e.highlighted = 0
		e.panel = PanelPlaceholder
		return
	}
	e.refreshSuggestions()
}

func (e *Editor) CloseSuggestions() { e.resetTransient() }

// NavigateSuggestions moves the highlight by delta, clamped to the list bounds.
func (e *Editor) NavigateSuggestions(delta int) {
	if e.panel != PanelOpen || len(e.suggestions) == 0 {
		return
	}
	next := e.highlighted + delta
	if next < 0 {
		next = 0
	}
	if next > len(e.suggestions)-1 {
		next = len(e.suggestions) - 1
	}
	e.highlighted = next
}

// ToggleMultiSelect adds v to the batch selection or removes it if present.
func (e *Editor) ToggleMultiSelect(v Variable) {
	if _, ok := e.multi[v.ID]; ok {
		delete(e.multi, v.ID)
		return
	}
	e.multi[v.ID] = struct{}{}
}

func (e *Editor) Selected(id string) bool {
	_, ok := e.multi[id]
	return ok
}

func (e *Editor) SelectedCount() int { return len(e.multi) }

func (e *Editor) selectedVariables() []Variable {
	out := make([]Variable, 0, len(e.multi))
	for _, v := range e.variables {
		if _, ok := e.multi[v.ID]; ok {
			out = append(out, v)
		}
	}
	sortByName(out)
	return out
}

func (e *Editor) Suggestions() []Variable {
	return append([]Variable(nil), e.suggestions...)
}

func (e *Editor) HighlightedIndex() int { return e.highlighted }

// Highlighted returns the highlighted suggestion while the panel lists matches.
func (e *Editor) Highlighted() (Variable, bool) {
	if e.panel != PanelOpen || e.highlighted >= len(e.suggestions) {
		return Variable{}, false
	}
	return e.suggestions[e.highlighted], true
}

func (e *Editor) Panel() PanelState { return e.panel }
