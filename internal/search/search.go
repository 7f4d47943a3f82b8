package search

import "maqlexpress/api/internal/store"

// Record is what the index holds for one variable.
type Record struct {
	ID        string `json:"id"`
	PIDID     string `json:"pidId"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	ElementID string `json:"elementId"`
}

func RecordFromVariable(v store.Variable) Record {
	return Record{ID: v.ID, PIDID: v.PIDID, Name: v.Name, Type: v.Type, Value: v.Value, ElementID: v.ElementID}
}

func RecordsFromVariables(vars []store.Variable) []Record {
	out := make([]Record, 0, len(vars))
	for _, v := range vars {
		out = append(out, RecordFromVariable(v))
	}
	return out
}

// Result is a single search hit. Highlight carries the name with <mark> tags
// when the engine provides it.
type Result struct {
	Record
	Highlight string `json:"highlight,omitempty"`
}

type Query struct {
	PIDID string
	Text  string
	Type  string // empty = all types
	Limit int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// engine is the full-text backend the service prefers when healthy.
type engine interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexRecords(records []Record) error
	DeleteRecords(ids []string) error
}
