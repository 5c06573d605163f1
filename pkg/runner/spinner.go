package runner

import (
	"sync"

	"github.com/pterm/pterm"
)

// SpinnerHandler renders progress through a pterm spinner. Hide stops
// the spinner so the terminal is free for interactive prompts; Show
// restarts it with the last displayed text.
type SpinnerHandler struct {
	mu       sync.Mutex
	spinner  *pterm.SpinnerPrinter
	lastText string
	hidden   bool
}

// NewSpinnerHandler starts a spinner with the given initial message.
func NewSpinnerHandler(message string) *SpinnerHandler {
	spinner, _ := pterm.DefaultSpinner.Start(message)
	return &SpinnerHandler{
		spinner:  spinner,
		lastText: message,
	}
}

// Println prints a line above the spinner.
func (h *SpinnerHandler) Println(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pterm.Println(msg)
}

// Progress updates the spinner text.
func (h *SpinnerHandler) Progress(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastText = msg
	if h.spinner != nil && !h.hidden {
		h.spinner.UpdateText(msg)
	}
}

// Success finishes the spinner as succeeded.
func (h *SpinnerHandler) Success() {
	h.finish(func(s *pterm.SpinnerPrinter) { s.Success() })
}

// SuccessWithMessage finishes the spinner as succeeded with a message.
func (h *SpinnerHandler) SuccessWithMessage(msg string) {
	h.finish(func(s *pterm.SpinnerPrinter) { s.Success(msg) })
}

// Error finishes the spinner as failed.
func (h *SpinnerHandler) Error() {
	h.finish(func(s *pterm.SpinnerPrinter) { s.Fail() })
}

// ErrorWithMessage finishes the spinner as failed with a message.
func (h *SpinnerHandler) ErrorWithMessage(msg string) {
	h.finish(func(s *pterm.SpinnerPrinter) { s.Fail(msg) })
}

// Hide stops the spinner without a final status, leaving the terminal
// free for an interactive prompt.
func (h *SpinnerHandler) Hide() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.spinner != nil && !h.hidden {
		_ = h.spinner.Stop()
		h.hidden = true
	}
}

// Show restarts the spinner with the last displayed text.
func (h *SpinnerHandler) Show() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hidden {
		h.spinner, _ = pterm.DefaultSpinner.Start(h.lastText)
		h.hidden = false
	}
}

func (h *SpinnerHandler) finish(fn func(*pterm.SpinnerPrinter)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hidden {
		h.spinner, _ = pterm.DefaultSpinner.Start(h.lastText)
		h.hidden = false
	}
	if h.spinner != nil {
		fn(h.spinner)
		h.spinner = nil
	}
}
