package buildsys

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

var levelColors = map[string]string{
	"fatal": "[red]",
	"error": "[red]",
	"warn":  "[yellow]",
	"debug": "[blue]",
	"trace": "[blue]",
}

// ConsoleWriter turns zerolog's JSON events into short coloured lines
type ConsoleWriter struct {
	out     io.Writer
	verbose bool
	color   colorstring.Colorize
	lock    sync.Mutex
	buf     strings.Builder
}

// NewConsoleWriter returns a writer printing to out. verbose appends every event field.
func NewConsoleWriter(out io.Writer, verbose, noColor bool) *ConsoleWriter {
	return &ConsoleWriter{
		out:     out,
		verbose: verbose,
		color: colorstring.Colorize{
			Colors:  colorstring.DefaultColors,
			Disable: noColor,
			Reset:   !noColor,
		},
	}
}

func (w *ConsoleWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&evt); err != nil {
		return 0, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	level, _ := evt["level"].(string)
	color, ok := levelColors[level]
	if !ok {
		color = "[green]"
	}

	w.buf.Reset()
	w.buf.WriteString(color)
	if task, ok := evt["task"].(string); ok {
		w.buf.WriteString(task + ": ")
	}
	if level == "error" || level == "fatal" {
		w.buf.WriteString("Error: ")
	}
	if msg, ok := evt["message"].(string); ok {
		w.buf.WriteString(msg)
	}
	if details, ok := evt["error"].(string); ok {
		w.buf.WriteString("\n" + details)
	}

	if w.verbose {
		keys := make([]string, 0, len(evt))
		for key := range evt {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			w.buf.WriteString(fmt.Sprintf("\n  %s: %v", key, evt[key]))
		}
	}
	w.buf.WriteString("\n")

	if _, err := io.WriteString(w.out, w.color.Color(w.buf.String())); err != nil {
		return 0, err
	}
	return len(p), nil
}
