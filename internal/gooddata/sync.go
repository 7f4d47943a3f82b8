package gooddata

import (
	"context"
	"fmt"
	"strings"

	"maqlexpress/api/internal/store"
	"maqlexpress/api/internal/syncjob"
)

const emptyValueTitle = "empty value"

// DefaultSkipPatterns lists attribute title fragments whose values are not
// worth enumerating: date dimensions, identifiers and free-text fields.
func DefaultSkipPatterns() []string {
	return []string{
		"Date (",
		"Day of Week (Mon-Sun) (",
		"Day of Week (Sun-Sat) (",
		"Month (",
		"Month/Year (",
		"Month of Quarter (",
		"Week (Mon-Sun) (",
		"Week (Sun-Sat) (",
		"Week (Mon-Sun)/Year (",
		"Week (Sun-Sat)/Year (",
		"Week (Mon-Sun) of Qtr (",
		"Week (Sun-Sat) of Qtr (",
		"Day of Quarter (",
		"Day of Month (",
		"Day of Year (",
		"Quarter (",
		"Quarter/Year (",
		"Year (",
		": ID",
		": Name",
		": Description",
		": Number",
		"Budget Used",
		"ͺ",
		"Submission ID",
		"Parent",
		"Top Level",
		"Aggregate",
		"Note",
		"Resource: Title",
		"ID",
		"Resource Name",
	}
}

// VariableSink receives synchronized variables; existing ones are left alone.
type VariableSink interface {
	InsertVariablesIfMissing(ctx context.Context, pidID string, items []store.Variable) ([]store.Variable, error)
}

type Syncer struct {
	client *Client
	sink   VariableSink
	skip   []string
	// OnInserted, when set, receives every batch of newly inserted variables.
	OnInserted func(ctx context.Context, items []store.Variable)
}

func NewSyncer(client *Client, sink VariableSink, skipPatterns []string) *Syncer {
	if skipPatterns == nil {
		skipPatterns = DefaultSkipPatterns()
	}
	return &Syncer{client: client, sink: sink, skip: skipPatterns}
}

func (s *Syncer) skipValues(title string) bool {
	for _, pattern := range s.skip {
		if strings.Contains(title, pattern) {
			return true
		}
	}
	return false
}

func cleanTitle(title string) string {
	return strings.ReplaceAll(title, ",", "")
}

// Sync copies attributes, attribute values and metrics of a GoodData project
// into a PID.
func (s *Syncer) Sync(ctx context.Context, projectID, pidID string) (syncjob.Result, error) {
	var result syncjob.Result
	if err := s.client.Login(ctx); err != nil {
		return result, err
	}

	attributes, err := s.client.Attributes(ctx, projectID)
	if err != nil {
		return result, err
	}
	for _, attr := range attributes {
		objID := attr.ObjectID()
		title := cleanTitle(attr.Title)

		n, err := s.insert(ctx, pidID, []store.Variable{{
			Name:  title,
			Type:  store.VariableAttribute,
			Value: objID,
		}})
		if err != nil {
			return result, err
		}
		result.Attributes += n

		if s.skipValues(attr.Title) {
			result.Skipped++
			continue
		}
		n, err = s.syncValues(ctx, pidID, attr, title)
		if err != nil {
			return result, fmt.Errorf("attribute %q: %w", attr.Title, err)
		}
		result.AttributeValues += n
	}

	metrics, err := s.client.Metrics(ctx, projectID)
	if err != nil {
		return result, err
	}
	batch := make([]store.Variable, 0, len(metrics))
	for _, m := range metrics {
		batch = append(batch, store.Variable{
			Name:  cleanTitle(m.Title),
			Type:  store.VariableMetric,
			Value: m.ObjectID(),
		})
	}
	n, err := s.insert(ctx, pidID, batch)
	if err != nil {
		return result, err
	}
	result.Metrics += n
	return result, nil
}

func (s *Syncer) syncValues(ctx context.Context, pidID string, attr Entry, title string) (int, error) {
	forms, err := s.client.DisplayForms(ctx, attr.Link)
	if err != nil {
		return 0, err
	}
	objID := attr.ObjectID()
	inserted := 0
	for _, labelURI := range forms {
		err := s.client.Elements(ctx, labelURI, func(page []Element) error {
			batch := make([]store.Variable, 0, len(page))
			for _, elem := range page {
				valueTitle := strings.TrimSpace(elem.Title)
				if valueTitle == "" {
					valueTitle = emptyValueTitle
				}
				batch = append(batch, store.Variable{
					Name:      title + ": " + cleanTitle(valueTitle),
					Type:      store.VariableAttributeValue,
					Value:     objID,
					ElementID: ElementID(elem.URI),
				})
			}
			n, err := s.insert(ctx, pidID, batch)
			inserted += n
			return err
		})
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *Syncer) insert(ctx context.Context, pidID string, batch []store.Variable) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	inserted, err := s.sink.InsertVariablesIfMissing(ctx, pidID, batch)
	if err != nil {
		return 0, fmt.Errorf("store variables: %w", err)
	}
	if len(inserted) > 0 && s.OnInserted != nil {
		s.OnInserted(ctx, inserted)
	}
	return len(inserted), nil
}
