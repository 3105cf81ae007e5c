package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/progress"
)

const (
	ansiReset = "\033[0m"
	ansiGreen = "\033[32m"
	ansiRed   = "\033[31m"
	ansiCyan  = "\033[36m"
)

// progressRenderer prints hub events. On a terminal progress text rewrites a
// single status line; otherwise every event is its own line.
type progressRenderer struct {
	mu      sync.Mutex
	w       io.Writer
	tty     bool
	lastLen int
}

func newProgressRenderer(w io.Writer) *progressRenderer {
	return &progressRenderer{w: w, tty: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (r *progressRenderer) attach(a *progress.Aggregator) []bus.Subscription {
	return []bus.Subscription{
		a.OnProgress(r.progress),
		a.OnNotice(r.notice),
		a.OnTerminal(r.terminal),
	}
}

func (r *progressRenderer) progress(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.tty {
		fmt.Fprintf(r.w, "progress: %s\n", e.Text)
		return
	}
	line := "  " + e.Text
	pad := ""
	if r.lastLen > len(line) {
		pad = strings.Repeat(" ", r.lastLen-len(line))
	}
	fmt.Fprintf(r.w, "\r%s%s%s%s", ansiCyan, line, ansiReset, pad)
	r.lastLen = len(line)
}

func (r *progressRenderer) notice(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLineLocked()
	fmt.Fprintf(r.w, "notice: %s\n", e.Text)
}

func (r *progressRenderer) terminal(e bus.Event) {
	outcome := progress.ParseOutcome(e.Text)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLineLocked()

	status, color := "completed", ansiGreen
	if !outcome.Success {
		status, color = "failed", ansiRed
	}
	msg := status
	if outcome.ResourceID != "" {
		msg += " (" + outcome.ResourceID + ")"
	}
	if outcome.Message != "" {
		msg += ": " + outcome.Message
	}
	if r.tty {
		msg = color + msg + ansiReset
	}
	fmt.Fprintf(r.w, "result: %s\n", msg)
}

// finish ends an open status line.
func (r *progressRenderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLineLocked()
}

func (r *progressRenderer) breakLineLocked() {
	if r.tty && r.lastLen > 0 {
		fmt.Fprintln(r.w)
		r.lastLen = 0
	}
}
