// Package progress renders transfer progress for artifact downloads and rootfs streaming.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Func receives the bytes transferred so far and the expected total.
// total is 0 when the size is unknown.
type Func func(done, total int64)

// Reader reports every read to a Func.
type Reader struct {
	r     io.Reader
	total int64
	done  int64
	fn    Func
}

// NewReader wraps r so that each read reports progress to fn.
func NewReader(r io.Reader, total int64, fn Func) *Reader {
	return &Reader{r: r, total: total, fn: fn}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.done += int64(n)
		r.fn(r.done, r.total)
	}
	return n, err
}

var labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

const redrawInterval = 100 * time.Millisecond

// Bar draws a single-line progress bar. On a non-terminal writer it prints
// nothing until Done.
type Bar struct {
	mu       sync.Mutex
	out      io.Writer
	label    string
	model    progress.Model
	tty      bool
	lastDraw time.Time
	finished bool
}

// NewBar creates a bar writing to out.
func NewBar(out io.Writer, label string) *Bar {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &Bar{
		out:   out,
		label: label,
		model: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		tty:   tty,
	}
}

// Update satisfies Func.
func (b *Bar) Update(done, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tty || b.finished {
		return
	}
	now := time.Now()
	if now.Sub(b.lastDraw) < redrawInterval && (total == 0 || done < total) {
		return
	}
	b.lastDraw = now
	fmt.Fprintf(b.out, "\r%s %s", labelStyle.Render(b.label), b.render(done, total))
}

// Done finishes the line.
func (b *Bar) Done(done, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return
	}
	b.finished = true
	if b.tty {
		fmt.Fprintf(b.out, "\r%s %s\n", labelStyle.Render(b.label), b.render(done, total))
		return
	}
	fmt.Fprintf(b.out, "%s %s\n", b.label, FormatBytes(done))
}

func (b *Bar) render(done, total int64) string {
	if total <= 0 {
		return FormatBytes(done)
	}
	return fmt.Sprintf("%s %s/%s", b.model.ViewAs(Fraction(done, total)), FormatBytes(done), FormatBytes(total))
}

// Fraction returns done/total clamped to [0, 1].
func Fraction(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(done) / float64(total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
