package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Spinner reports the progress of a long operation on stderr. Outside of a
// terminal it prints the final message only.
type Spinner struct {
	mu  sync.Mutex
	s   *spinner.Spinner
	out io.Writer
	msg string
}

// NewSpinner creates and starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	return newSpinner(os.Stderr, msg, isatty.IsTerminal(os.Stderr.Fd()))
}

func newSpinner(out io.Writer, msg string, animate bool) *Spinner {
	s := &Spinner{out: out, msg: msg}
	if animate {
		s.s = spinner.New(
			spinner.CharSets[14],
			200*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriter(out),
			spinner.WithSuffix(" "+msg),
		)
		s.s.Start()
	}
	return s
}

// UpdateMessage updates the spinner message. Safe for concurrent use.
func (s *Spinner) UpdateMessage(msg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg = msg
	if s.s != nil {
		s.s.Lock()
		s.s.Suffix = " " + msg
		s.s.Unlock()
	}
}

func (s *Spinner) stop(symbol string, msg []string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msg) == 0 {
		msg = []string{s.msg}
	}
	final := fmt.Sprintf("%s %s\n", symbol, msg[0])
	if s.s == nil {
		_, _ = fmt.Fprint(s.out, final)
		return
	}
	s.s.FinalMSG = final
	s.s.Stop()
}

// Success stops the spinner and prints a success message.
func (s *Spinner) Success(msg ...string) {
	s.stop(color.HiGreenString("✓"), msg)
}

// Warn stops the spinner and prints a warning message.
func (s *Spinner) Warn(msg ...string) {
	s.stop(color.HiYellowString("!"), msg)
}

// Fail stops the spinner and prints a failure message.
func (s *Spinner) Fail(msg ...string) {
	s.stop(color.HiRedString("✗"), msg)
}
