package editor

import (
	"fmt"
	"strings"
)

// VariableType is the kind of platform object a variable points at.
type VariableType string

const (
	TypeMetric         VariableType = "Metric"
	TypeAttribute      VariableType = "Attribute"
	TypeAttributeValue VariableType = "Attribute Value"
)

// Variable is a named pointer to an object in the BI platform. The editor only
// reads variables; the host supplies and refreshes them.
type Variable struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      VariableType `json:"type"`
	Value     string       `json:"value"`
	ElementID string       `json:"elementId,omitempty"`
}

// ParseVariableType accepts the stored spelling ("Attribute Value"), the compact
// one ("AttributeValue") and the lowercase forms written by the metadata exporter.
func ParseVariableType(raw string) (VariableType, error) {
	switch strings.ToLower(strings.Join(strings.Fields(raw), "")) {
	case "metric":
		return TypeMetric, nil
	case "attribute":
		return TypeAttribute, nil
	case "attributevalue":
		return TypeAttributeValue, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariableType, raw)
}

// ReferenceFor builds the canonical bracketed URI for a variable in a project.
func ReferenceFor(project string, v Variable) string {
	if v.Type == TypeAttributeValue {
		return fmt.Sprintf("[/md/%s/obj/%s/elements?id=%s]", project, v.Value, v.ElementID)
	}
	return fmt.Sprintf("[/md/%s/obj/%s]", project, v.Value)
}
