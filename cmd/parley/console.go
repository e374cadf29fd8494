package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/realtime"
	"github.com/charmbracelet/lipgloss"
)

// theme is the console colour scheme.
type theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Warn    lipgloss.Color
	Error   lipgloss.Color
}

var defaultTheme = theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#e3b341"),
	Error:   lipgloss.Color("#ff5f5f"),
}

type styles struct {
	Banner    lipgloss.Style
	Assistant lipgloss.Style
	Notice    lipgloss.Style
	Retry     lipgloss.Style
	Fatal     lipgloss.Style
}

func newStyles(t theme) styles {
	return styles{
		Banner:    lipgloss.NewStyle().Foreground(t.Dim),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Notice:    lipgloss.NewStyle().Foreground(t.Dim).Italic(true),
		Retry:     lipgloss.NewStyle().Foreground(t.Warn),
		Fatal:     lipgloss.NewStyle().Bold(true).Foreground(t.Error),
	}
}

// console prints the conversation to a terminal.
type console struct {
	styles styles

	mu  sync.Mutex
	out io.Writer

	// streaming is the turn whose reply is being printed fragment by
	// fragment, or zero.
	streaming int
}

var _ protocol.Listener = (*console)(nil)

func newConsole(out io.Writer) *console {
	return &console{out: out, styles: newStyles(defaultTheme)}
}

func (c *console) label() string {
	return c.styles.Assistant.Render("Assistant:") + " "
}

// endStream terminates a streamed line. Callers hold mu.
func (c *console) endStream() {
	if c.streaming != 0 {
		fmt.Fprintln(c.out)
		c.streaming = 0
	}
}

func (c *console) SessionStarted(modalities []realtime.Modality) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(modalities))
	for i, m := range modalities {
		names[i] = string(m)
	}
	fmt.Fprintln(c.out, c.styles.Banner.Render("Connected ("+strings.Join(names, "+")+"). Press Ctrl+C to quit."))
}

func (c *console) TranscriptDelta(turn int, delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming != turn {
		c.endStream()
		fmt.Fprint(c.out, c.label())
		c.streaming = turn
	}
	fmt.Fprint(c.out, delta)
}

func (c *console) Transcript(turn int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming == turn {
		c.endStream()
		return
	}
	c.endStream()
	fmt.Fprintln(c.out, c.label()+text)
}

func (c *console) TurnComplete(int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStream()
}

func (c *console) Retry(attempt, maxRetries int, delay time.Duration, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStream()
	msg := fmt.Sprintf("Response failed (%s). Retrying in %v (attempt %d of %d)", reason, delay, attempt, maxRetries)
	fmt.Fprintln(c.out, c.styles.Retry.Render(msg))
}

func (c *console) Notice(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStream()
	fmt.Fprintln(c.out, c.styles.Notice.Render("! "+msg))
}

func (c *console) SessionTerminated(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStream()
	fmt.Fprintln(c.out, c.styles.Fatal.Render("Session terminated: "+reason))
}
