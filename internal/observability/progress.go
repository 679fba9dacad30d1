package observability

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Progress prints operator-facing status lines:
//
//	[ * ] informational   [ + ] action started
//	[ ✔ ] step completed  [ * ] progress counter (cyan)
type Progress struct {
	out   io.Writer
	quiet bool

	white func(a ...interface{}) string
	green func(a ...interface{}) string
	cyan  func(a ...interface{}) string
}

// NewProgress writes to out, or stdout when out is nil. A quiet Progress
// discards everything.
func NewProgress(out io.Writer, quiet bool) *Progress {
	if out == nil {
		out = os.Stdout
	}
	return &Progress{
		out:   out,
		quiet: quiet,
		white: color.New(color.FgWhite).SprintFunc(),
		green: color.New(color.FgGreen).SprintFunc(),
		cyan:  color.New(color.FgCyan).SprintFunc(),
	}
}

// Info prints an informational line.
func (p *Progress) Info(format string, args ...interface{}) {
	p.print(p.white, "[ * ] ", format, args...)
}

// Action announces a step that is starting.
func (p *Progress) Action(format string, args ...interface{}) {
	p.print(p.white, "[ + ] ", format, args...)
}

// Success announces a completed step.
func (p *Progress) Success(format string, args ...interface{}) {
	p.print(p.green, "[ ✔ ] ", format, args...)
}

// Counter prints "label... done/total".
func (p *Progress) Counter(label string, done, total int) {
	p.print(p.cyan, "[ * ] ", "%s... %d/%d", label, done, total)
}

func (p *Progress) print(paint func(a ...interface{}) string, marker, format string, args ...interface{}) {
	if p == nil || p.quiet {
		return
	}
	fmt.Fprintln(p.out, paint(marker+fmt.Sprintf(format, args...)))
}
