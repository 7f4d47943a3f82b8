package store

import (
	"errors"
	"strings"
	"time"
)

var ErrDuplicate = errors.New("duplicate record")

const (
	VariableMetric         = "Metric"
	VariableAttribute      = "Attribute"
	VariableAttributeValue = "Attribute Value"

	// NoElement is stored as the element id of anything but an attribute value.
	NoElement = "NA"

	MetricEventCopy = "copy"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// PID is a user-owned alias for a BI platform project.
type PID struct {
	ID        string
	UserID    string
	Name      string
	ProjectID string
	CreatedAt time.Time
}

type Variable struct {
	ID        string
	PIDID     string
	Name      string
	Type      string
	Value     string
	ElementID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeElementID applies the storage rule that only attribute values carry
// an element id.
func (v Variable) NormalizeElementID() Variable {
	if v.Type != VariableAttributeValue {
		v.ElementID = NoElement
	}
	return v
}

// LibraryConfig holds the per-user naming formats for the three libraries.
type LibraryConfig struct {
	Metrics    string
	Attributes string
	Values     string
	UpdatedAt  time.Time
}

type MetricEvent struct {
	ID        int64
	UserID    string
	Type      string
	CreatedAt time.Time
}
