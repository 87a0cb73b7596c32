package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"rbridge/cli/internal/terminal"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// startInlineSpinner animates frames followed by text on a single line of w
// until the returned function is called, which also clears the line.
// Nothing is drawn when stderr is not a terminal.
func startInlineSpinner(w io.Writer, text string, frames []string, interval time.Duration) func() {
	if !terminal.IsInteractive() {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			line := fmt.Sprintf("%s %s", frames[i%len(frames)], text)
			select {
			case <-stop:
				terminal.ClearPreviousLines(w, len([]rune(line)))
				return
			case <-ticker.C:
				fmt.Fprintf(w, "\r%s", line)
				i++
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// spin is startInlineSpinner with the default frames on stderr.
func spin(text string) func() {
	return startInlineSpinner(os.Stderr, text, spinnerFrames, 80*time.Millisecond)
}

// parseJSONArg accepts inline JSON or @path to read it from a file.
func parseJSONArg(arg string) ([]byte, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("not valid JSON: %s", truncateArg(string(data)))
	}
	return data, nil
}

// prettyJSON indents data for display and falls back to the raw text.
func prettyJSON(data []byte) string {
	var out strings.Builder
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	enc := json.NewEncoder(&out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return string(data)
	}
	return strings.TrimRight(out.String(), "\n")
}

func truncateArg(s string) string {
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
