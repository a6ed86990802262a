package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// AskForLine prints prompt to out and reads a single trimmed line from in.
// An empty answer is returned as "" so callers can fall back to a default.
func AskForLine(ctx context.Context, in io.Reader, out io.Writer, prompt string) (string, error) {
	scanner := bufio.NewScanner(in)

	// Create a channel to receive the input
	inputCh := make(chan string, 1)
	errCh := make(chan error, 1)

	fmt.Fprint(out, prompt)
	go func() {
		if scanner.Scan() {
			inputCh <- strings.TrimSpace(scanner.Text())
			return
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	// Wait for either input or context cancellation
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-inputCh:
		return line, nil
	case err := <-errCh:
		if err == io.EOF {
			return "", nil
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
}

// RemoveQuotes strips one pair of surrounding double quotes, which shells and
// file managers often add when a path is pasted.
func RemoveQuotes(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
