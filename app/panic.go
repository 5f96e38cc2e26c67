package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"hzn/debugger/termview"
	"hzn/hal"
	"hzn/kernel"
)

// installPanicHandler logs kernel consistency failures and replaces the
// wait tree with a panic screen.
func installPanicHandler(h hal.HAL, view *termview.View) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		lines := panicLines(info)
		if l := h.Logger(); l != nil {
			for _, line := range lines {
				l.WriteLineString(line)
			}
		}
		if d := h.Display(); d != nil {
			d.SetStatus("kernel panic")
		}
		view.Show(strings.Join(wrap(lines, view.Columns()), "\n"))
	})
}

func panicLines(info kernel.PanicInfo) []string {
	lines := []string{
		"hzn kernel panic:",
		fmt.Sprintf("thread: %d", info.ThreadID),
		fmt.Sprintf("panic: %v", info.Value),
	}
	if len(info.Stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	lines = append(lines, "stack:")
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// wrap splits lines longer than cols runes. cols <= 0 leaves them alone.
func wrap(lines []string, cols int) []string {
	if cols <= 0 {
		return lines
	}
	var out []string
	for _, line := range lines {
		for {
			chunk, rest := takeRunes(line, cols)
			out = append(out, chunk)
			line = strings.TrimLeft(rest, " \t")
			if line == "" {
				break
			}
		}
	}
	return out
}

func takeRunes(s string, n int) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if len(s) <= n {
		return s, ""
	}
	i, count := 0, 0
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i], s[i:]
}
