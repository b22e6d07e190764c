// Package console renders classified build lines to a terminal, either
// scrolling one line per entry or eliding each line over the previous one.
package console

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"buildscope/internal/classify"
)

// DefaultWidth is used when the terminal size cannot be determined.
const DefaultWidth = 80

const ellipsis = "..."

// Printer writes rendered lines to an output stream.
type Printer struct {
	out   io.Writer
	elide bool
	width int
}

// NewPrinter returns a Printer. In elide mode every line is fitted to width
// columns and written over the previous one.
func NewPrinter(out io.Writer, elide bool, width int) *Printer {
	return &Printer{out: out, elide: elide, width: width}
}

// Print emits one line.
func (p *Printer) Print(line string) error {
	var err error
	if p.elide {
		_, err = io.WriteString(p.out, "\r"+Fit(line, p.width))
	} else {
		_, err = io.WriteString(p.out, line+"\n")
	}
	return err
}

// Finish terminates the elided line. It is a no-op in scroll mode.
func (p *Printer) Finish() error {
	if !p.elide {
		return nil
	}
	_, err := io.WriteString(p.out, "\n")
	return err
}

// Fit makes s exactly width columns wide, padding with spaces or truncating
// with a trailing "...". Escape sequences do not count towards the width.
func Fit(s string, width int) string {
	if width <= 0 {
		return ""
	}
	w := ansi.StringWidth(s)
	if w <= width {
		return s + strings.Repeat(" ", width-w)
	}
	if width <= len(ellipsis) {
		return ansi.Truncate(s, width, "")
	}
	return ansi.Truncate(s, width, ellipsis)
}

// ElideWidth returns the columns available to an elided line on a terminal
// of cols columns, keeping margin columns free.
func ElideWidth(cols, margin int) int {
	if w := cols - margin; w > 0 {
		return w
	}
	return cols
}

// TerminalWidth returns the column count of the terminal on fd, or
// DefaultWidth when fd is not a terminal.
func TerminalWidth(fd int) int {
	if !term.IsTerminal(fd) {
		return DefaultWidth
	}
	cols, _, err := term.GetSize(fd)
	if err != nil || cols <= 0 {
		return DefaultWidth
	}
	return cols
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Colours for the category tags, as 256-colour palette indices.
const (
	colorCompile = "220"
	colorLink    = "45"
	colorLibrary = "225"
)

// NewStyler returns a tag styler for w. mode is "always", "never", or
// "auto", which colours only when w is a terminal. A nil Styler leaves tags
// plain.
func NewStyler(w io.Writer, mode string) classify.Styler {
	switch mode {
	case "never":
		return nil
	case "always":
	default:
		if !IsTerminal(w) {
			return nil
		}
	}

	out := termenv.NewOutput(w, termenv.WithProfile(termenv.ANSI256))
	paint := func(s, color string) string {
		return out.String(s).Foreground(out.Color(color)).String()
	}

	return func(c classify.Category, tag string) string {
		switch c {
		case classify.Compile:
			return paint(tag, colorCompile)
		case classify.Link:
			return paint(tag, colorLink)
		case classify.CompileLink:
			return paint(classify.Compile.Tag(), colorCompile) + paint(classify.Link.Tag(), colorLink)
		case classify.Library:
			return paint(tag, colorLibrary)
		default:
			return tag
		}
	}
}
