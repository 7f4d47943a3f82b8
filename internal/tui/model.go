// Package tui hosts the expression editor in a terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"maqlexpress/api/internal/client"
	"maqlexpress/api/internal/drafts"
	"maqlexpress/api/internal/editor"
)

// API is what the editor needs from the server.
type API interface {
	RecordCopy(ctx context.Context) error
	SaveDraft(ctx context.Context, pidID, title string, segments []editor.Segment) (drafts.Version, error)
	CreateMetric(ctx context.Context, pidID, title, expression string) (client.Metric, error)
}

// Config describes the PID being edited.
type Config struct {
	PIDID     string
	PIDName   string
	ProjectID string
	Variables []editor.Variable
	Draft     *drafts.Draft
	Clipboard editor.Clipboard
}

type MsgCopied struct {
	Text string
	Err  error
}

type MsgDraftSaved struct {
	Version drafts.Version
	Err     error
}

type MsgMetricCreated struct {
	URI string
	Err error
}

type Model struct {
	ctx    context.Context
	api    API
	cfg    Config
	editor *editor.Editor
	clip   editor.Clipboard

	title     textinput.Model
	prompting bool
	draftName string

	status   string
	err      error
	width    int
	quitting bool
}

func New(ctx context.Context, api API, cfg Config) Model {
	ed := editor.New(editor.WithProject(cfg.ProjectID), editor.WithVariables(cfg.Variables))
	name := ""
	status := "ctrl+space suggestions • ctrl+y copy • ctrl+s save • ctrl+p publish • ctrl+c quit"
	if cfg.Draft != nil {
		if err := ed.Restore(cfg.Draft.Segments); err == nil {
			name = cfg.Draft.Title
			status = "Restored saved draft"
		}
	}
	clip := cfg.Clipboard
	if clip == nil {
		clip = editor.ClipboardFunc(clipboard.WriteAll)
	}

	ti := textinput.New()
	ti.Placeholder = "metric title"
	ti.CharLimit = 255
	ti.Width = 50

	return Model{
		ctx:       ctx,
		api:       api,
		cfg:       cfg,
		editor:    ed,
		clip:      clip,
		title:     ti,
		draftName: name,
		status:    status,
		width:     80,
	}
}

// Editor exposes the underlying editor, mostly for tests.
func (m Model) Editor() *editor.Editor { return m.editor }

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case MsgCopied:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.err = nil
		m.status = fmt.Sprintf("Copied %d characters", len([]rune(msg.Text)))
		return m, nil

	case MsgDraftSaved:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.err = nil
		m.status = "Draft saved (" + msg.Version.Hash + ")"
		return m, nil

	case MsgMetricCreated:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.err = nil
		m.status = "Metric created: " + msg.URI
		return m, nil

	case tea.KeyMsg:
		if m.prompting {
			return m.updatePrompt(msg)
		}
		return m.updateEditor(msg)
	}
	return m, nil
}

func (m Model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyEsc:
		m.prompting = false
		m.title.Blur()
		m.status = "Publish cancelled"
		return m, nil
	case tea.KeyEnter:
		title := strings.TrimSpace(m.title.Value())
		if title == "" {
			m.err = errors.New("a metric title is required")
			return m, nil
		}
		m.prompting = false
		m.title.Blur()
		m.status = "Publishing metric..."
		return m, m.publish(title, m.editor.SubmissionExpression())
	}
	var cmd tea.Cmd
	m.title, cmd = m.title.Update(msg)
	return m, cmd
}

func (m Model) updateEditor(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ed := m.editor
	panelOpen := ed.Panel() != editor.PanelHidden

	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyRunes:
		ed.InsertText(string(msg.Runes))
	case tea.KeySpace:
		ed.InsertText(" ")

	case tea.KeyEnter:
		if msg.Alt {
			if v, ok := ed.Highlighted(); ok {
				ed.ToggleMultiSelect(v)
			}
			return m, nil
		}
		if panelOpen {
			m.accept()
			return m, nil
		}
		ed.InsertText("\n")
	case tea.KeyTab:
		if panelOpen {
			m.accept()
			return m, nil
		}
		ed.InsertText("\t")

	case tea.KeyUp:
		ed.NavigateSuggestions(-1)
	case tea.KeyDown:
		ed.NavigateSuggestions(1)
	case tea.KeyLeft:
		ed.MoveLeft()
	case tea.KeyRight:
		ed.MoveRight()
	case tea.KeyEnd:
		ed.MoveToEnd()
	case tea.KeyBackspace:
		ed.DeleteBackward()
	case tea.KeyEsc:
		ed.CloseSuggestions()
	case tea.KeyCtrlAt:
		ed.OpenSuggestions()

	case tea.KeyCtrlY:
		var usage editor.UsageRecorder
		if m.api != nil {
			usage = m.api
		}
		text, err := ed.Copy(m.ctx, m.clip, usage)
		return m.Update(MsgCopied{Text: text, Err: err})
	case tea.KeyCtrlS:
		m.status = "Saving draft..."
		return m, m.save()
	case tea.KeyCtrlP:
		if ed.SubmissionExpression() == "" {
			m.err = errors.New("nothing to publish")
			return m, nil
		}
		m.prompting = true
		m.title.SetValue(m.draftName)
		m.title.Focus()
		return m, textinput.Blink
	case tea.KeyCtrlL:
		ed.Clear()
		m.status = "Cleared"
	}
	return m, nil
}

// accept inserts the multi-selection, or the highlighted suggestion when
// nothing is selected.
func (m *Model) accept() {
	ed := m.editor
	var err error
	if ed.SelectedCount() > 0 {
		err = ed.InsertBatch()
	} else if v, ok := ed.Highlighted(); ok {
		err = ed.InsertSingle(v)
	} else {
		ed.CloseSuggestions()
		return
	}
	m.err = err
}

func (m Model) save() tea.Cmd {
	api, ctx, pidID, title := m.api, m.ctx, m.cfg.PIDID, m.draftName
	segments := m.editor.Content()
	return func() tea.Msg {
		if api == nil {
			return MsgDraftSaved{Err: errors.New("not connected")}
		}
		version, err := api.SaveDraft(ctx, pidID, title, segments)
		return MsgDraftSaved{Version: version, Err: err}
	}
}

func (m Model) publish(title, expression string) tea.Cmd {
	api, ctx, pidID := m.api, m.ctx, m.cfg.PIDID
	return func() tea.Msg {
		if api == nil {
			return MsgMetricCreated{Err: errors.New("not connected")}
		}
		metric, err := api.CreateMetric(ctx, pidID, title, expression)
		return MsgMetricCreated{URI: metric.URI, Err: err}
	}
}

// Run starts the full-screen editor and returns the final expression.
func Run(ctx context.Context, api API, cfg Config) (string, error) {
	final, err := tea.NewProgram(New(ctx, api, cfg), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil {
		return "", fmt.Errorf("run editor: %w", err)
	}
	return final.(Model).editor.Serialize(), nil
}
