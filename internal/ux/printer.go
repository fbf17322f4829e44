package ux

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Accent      = lipgloss.Color("#8BC34A") // Lime Green
	Destructive = lipgloss.Color("#e53935") // Red
	Warning     = lipgloss.Color("#FFC107") // Yellow
	Info        = lipgloss.Color("#2196F3") // Blue
	Muted       = lipgloss.Color("#7a8599")
)

// Styles groups the styles a Printer applies.
type Styles struct {
	Step    lipgloss.Style
	Success lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Detail  lipgloss.Style
}

// NewStyles builds the styles for a renderer.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Step:    r.NewStyle().Foreground(Info).Bold(true),
		Success: r.NewStyle().Foreground(Accent),
		Warn:    r.NewStyle().Foreground(Warning),
		Error:   r.NewStyle().Foreground(Destructive).Bold(true),
		Detail:  r.NewStyle().Foreground(Muted),
	}
}

// Printer writes status lines. It is safe for concurrent use.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	styles Styles
	quiet  bool
}

// NewPrinter creates a printer for w. The color profile is detected from w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, styles: NewStyles(lipgloss.NewRenderer(w))}
}

// SetQuiet suppresses everything except errors and warnings.
func (p *Printer) SetQuiet(quiet bool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quiet = quiet
}

// Writer returns the underlying writer; io.Discard for a nil printer.
func (p *Printer) Writer() io.Writer {
	if p == nil {
		return io.Discard
	}
	return p.w
}

// Step announces a pipeline step: "==> message".
func (p *Printer) Step(format string, args ...any) {
	p.line(false, func(s Styles) lipgloss.Style { return s.Step }, "==> ", format, args...)
}

// Success reports a completed step.
func (p *Printer) Success(format string, args ...any) {
	p.line(false, func(s Styles) lipgloss.Style { return s.Success }, "", format, args...)
}

// Detail prints an indented secondary line.
func (p *Printer) Detail(format string, args ...any) {
	p.line(false, func(s Styles) lipgloss.Style { return s.Detail }, "    ", format, args...)
}

// Plain prints an unstyled line.
func (p *Printer) Plain(format string, args ...any) {
	p.line(false, func(Styles) lipgloss.Style { return lipgloss.Style{} }, "", format, args...)
}

// Warn reports a non-fatal problem.
func (p *Printer) Warn(format string, args ...any) {
	p.line(true, func(s Styles) lipgloss.Style { return s.Warn }, "warning: ", format, args...)
}

// Error reports a fatal problem.
func (p *Printer) Error(format string, args ...any) {
	p.line(true, func(s Styles) lipgloss.Style { return s.Error }, "error: ", format, args...)
}

// line picks the style only after the nil check.
func (p *Printer) line(always bool, style func(Styles) lipgloss.Style, prefix, format string, args ...any) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet && !always {
		return
	}
	text := prefix + fmt.Sprintf(format, args...)
	fmt.Fprintln(p.w, style(p.styles).Render(text))
}

// Discard returns a printer that writes nothing.
func Discard() *Printer {
	return NewPrinter(io.Discard)
}
