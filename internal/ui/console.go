package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"peerdrop/pkg/utils"
)

// ConsoleUI asks the user for destinations on a terminal
type ConsoleUI struct {
	in  io.Reader
	out io.Writer
}

// NewConsoleUI creates a console prompt reading from in and writing to out
func NewConsoleUI(in io.Reader, out io.Writer) *ConsoleUI {
	return &ConsoleUI{in: in, out: out}
}

// ShowMessage displays a message to the user
func (c *ConsoleUI) ShowMessage(message string) {
	fmt.Fprintln(c.out, message)
}

// PickFile asks where a single received file should be saved. An empty
// answer keeps the suggested name in the current directory.
func (c *ConsoleUI) PickFile(ctx context.Context, suggestedName string) (string, bool, error) {
	answer, err := utils.AskForLine(ctx, c.in, c.out, fmt.Sprintf("Save %s as [%s]: ", suggestedName, suggestedName))
	if err != nil {
		return "", false, err
	}
	answer = utils.RemoveQuotes(answer)
	if answer == "" {
		return "", false, nil
	}
	// a directory answer keeps the suggested name
	if info, err := os.Stat(answer); err == nil && info.IsDir() {
		return filepath.Join(answer, suggestedName), true, nil
	}
	return answer, true, nil
}

// PickDir asks for the directory that receives a collection
func (c *ConsoleUI) PickDir(ctx context.Context) (string, bool, error) {
	answer, err := utils.AskForLine(ctx, c.in, c.out, "Save into directory [.]: ")
	if err != nil {
		return "", false, err
	}
	answer = utils.RemoveQuotes(answer)
	if answer == "" {
		return "", false, nil
	}
	return answer, true, nil
}
