package editor

import (
	"context"
	"fmt"
	"log"
)

type Clipboard interface {
	WriteAll(text string) error
}

// ClipboardFunc adapts a plain function such as clipboard.WriteAll.
type ClipboardFunc func(text string) error

func (f ClipboardFunc) WriteAll(text string) error { return f(text) }

// UsageRecorder counts copy events for the current user.
type UsageRecorder interface {
	RecordCopy(ctx context.Context) error
}

// Copy writes the serialized content to the clipboard. The usage counter is
// incremented in the background and its failure never fails the copy.
func (e *Editor) Copy(ctx context.Context, clip Clipboard, usage UsageRecorder) (string, error) {
	text := e.Serialize()
	if err := clip.WriteAll(text); err != nil {
		return "", fmt.Errorf("write clipboard: %w", err)
	}
	if usage != nil {
		bg := context.WithoutCancel(ctx)
		go func() {
			if err := usage.RecordCopy(bg); err != nil {
				log.Printf("editor: record copy: %v", err)
			}
		}()
	}
	return text, nil
}
