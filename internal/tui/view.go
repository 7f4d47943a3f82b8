package tui

import (
	"fmt"
	"strings"

	"maqlexpress/api/internal/editor"
)

const panelRows = 8

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	header := "MAQL Express"
	if m.cfg.PIDName != "" {
		header += " · " + m.cfg.PIDName
	}
	if m.cfg.ProjectID != "" {
		header += styleSubtle.Render(" (" + m.cfg.ProjectID + ")")
	}
	b.WriteString(styleHeader.Render(header))
	b.WriteString("\n")

	box := styleEditorBox
	if m.width > 4 {
		box = box.Width(m.width - 4)
	}
	b.WriteString(box.Render(renderContent(m.editor.Content(), m.editor.Cursor())))
	b.WriteString("\n")

	if panel := renderPanel(m.editor); panel != "" {
		b.WriteString(stylePanelBox.Render(panel))
		b.WriteString("\n")
	}

	if m.prompting {
		b.WriteString("Metric title: ")
		b.WriteString(m.title.View())
		b.WriteString("\n")
		b.WriteString(styleSubtle.Render("enter publish • esc cancel"))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(styleError.Render("Error: " + m.err.Error()))
	} else {
		b.WriteString(styleSubtle.Render(m.status))
	}
	b.WriteString("\n")
	return b.String()
}

func renderContent(segs []editor.Segment, cur editor.Cursor) string {
	var b strings.Builder
	for i, seg := range segs {
		if seg.Token != nil {
			if i == cur.Segment && cur.Offset == 0 {
				b.WriteString(styleCursor.Render(" "))
			}
			b.WriteString(tokenStyle(seg.Token.Type()).Render("⟦" + seg.Token.Label() + "⟧"))
			if i == cur.Segment && cur.Offset == 1 {
				b.WriteString(styleCursor.Render(" "))
			}
			continue
		}
		if i != cur.Segment {
			b.WriteString(seg.Text)
			continue
		}
		runes := []rune(seg.Text)
		b.WriteString(string(runes[:cur.Offset]))
		if cur.Offset < len(runes) && runes[cur.Offset] != '\n' {
			b.WriteString(styleCursor.Render(string(runes[cur.Offset])))
			b.WriteString(string(runes[cur.Offset+1:]))
		} else {
			b.WriteString(styleCursor.Render(" "))
			b.WriteString(string(runes[cur.Offset:]))
		}
	}
	return b.String()
}

func renderPanel(ed *editor.Editor) string {
	switch ed.Panel() {
	case editor.PanelPlaceholder:
		return styleSubtle.Render("Start typing to search variables")
	case editor.PanelNoMatches:
		return styleSubtle.Render("No matches for \"" + ed.Word() + "\"")
	case editor.PanelOpen:
	default:
		return ""
	}

	items := ed.Suggestions()
	hi := ed.HighlightedIndex()
	start := 0
	if hi >= panelRows {
		start = hi - panelRows + 1
	}
	end := min(start+panelRows, len(items))

	var b strings.Builder
	for i := start; i < end; i++ {
		v := items[i]
		mark := "[ ]"
		if ed.Selected(v.ID) {
			mark = "[x]"
		}
		line := fmt.Sprintf("%s %s %s", mark, tokenStyle(v.Type).Render(v.Name), styleSubtle.Render(string(v.Type)))
		if i == hi {
			line = styleHighlight.Render("›") + " " + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	footer := fmt.Sprintf("%d of %d", hi+1, len(items))
	if n := ed.SelectedCount(); n > 0 {
		footer += fmt.Sprintf(" · %d selected", n)
	}
	b.WriteString(styleSubtle.Render(footer + " · enter insert · alt+enter select"))
	return b.String()
}
