package ui

import (
	"context"
	"io"
)

// Terminal combines the progress renderer with the console prompts. When
// interactive is false the pickers decline, so the receive flow falls back
// to its default location without blocking on stdin.
type Terminal struct {
	*ProgressUI
	console     *ConsoleUI
	interactive bool
}

var _ InteractiveUI = (*Terminal)(nil)

// NewTerminal creates a terminal UI on the given streams
func NewTerminal(in io.Reader, out, errOut io.Writer, interactive bool) *Terminal {
	return &Terminal{
		ProgressUI:  NewProgressUI(out, errOut),
		console:     NewConsoleUI(in, errOut),
		interactive: interactive,
	}
}

// ShowMessage displays a message to the user
func (t *Terminal) ShowMessage(message string) {
	t.console.ShowMessage(message)
}

// PickFile prompts for a file path when running interactively
func (t *Terminal) PickFile(ctx context.Context, suggestedName string) (string, bool, error) {
	if !t.interactive {
		return "", false, nil
	}
	return t.console.PickFile(ctx, suggestedName)
}

// PickDir prompts for a directory when running interactively
func (t *Terminal) PickDir(ctx context.Context) (string, bool, error) {
	if !t.interactive {
		return "", false, nil
	}
	return t.console.PickDir(ctx)
}
