// Package runner supervises external provisioning commands: it drains
// their output into a progress handler, enforces an idle timeout, and
// services IPC relay listeners concurrently with the streams.
package runner

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/XaF/omnienv/pkg/logging"
)

// ProgressHandler decouples command execution from UI rendering.
// Implementations may render to a terminal spinner, plain log lines,
// or nothing at all for non-interactive contexts.
type ProgressHandler interface {
	// Println prints a line outside the progress indicator.
	Println(msg string)

	// Progress updates the currently displayed progress message.
	Progress(msg string)

	// Success and SuccessWithMessage finish the indicator as succeeded.
	Success()
	SuccessWithMessage(msg string)

	// Error and ErrorWithMessage finish the indicator as failed.
	Error()
	ErrorWithMessage(msg string)

	// Hide pauses the visible indicator (e.g. while relaying a
	// credential prompt); Show resumes it.
	Hide()
	Show()
}

// NewHandler picks a handler appropriate for the current terminal: a
// spinner when stderr is a TTY, plain log lines otherwise.
func NewHandler(message string) ProgressHandler {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return NewSpinnerHandler(message)
	}
	return NewLogHandler(message)
}

// LogHandler renders progress as plain zerolog lines; used when the
// output is not a terminal.
type LogHandler struct {
	message string
	logger  zerolog.Logger
}

// NewLogHandler creates a LogHandler labeled with the given message.
func NewLogHandler(message string) *LogHandler {
	return &LogHandler{
		message: message,
		logger:  logging.GetLogger("runner"),
	}
}

func (h *LogHandler) Println(msg string)  { h.logger.Info().Msg(msg) }
func (h *LogHandler) Progress(msg string) { h.logger.Debug().Str("task", h.message).Msg(msg) }
func (h *LogHandler) Success()            { h.logger.Info().Str("task", h.message).Msg("done") }
func (h *LogHandler) SuccessWithMessage(msg string) {
	h.logger.Info().Str("task", h.message).Msg(msg)
}
func (h *LogHandler) Error() { h.logger.Error().Str("task", h.message).Msg("failed") }
func (h *LogHandler) ErrorWithMessage(msg string) {
	h.logger.Error().Str("task", h.message).Msg(msg)
}
func (h *LogHandler) Hide() {}
func (h *LogHandler) Show() {}

// VoidHandler swallows everything; used in tests and fully silent
// contexts.
type VoidHandler struct{}

// NewVoidHandler creates a VoidHandler.
func NewVoidHandler() *VoidHandler { return &VoidHandler{} }

func (VoidHandler) Println(string)            {}
func (VoidHandler) Progress(string)           {}
func (VoidHandler) Success()                  {}
func (VoidHandler) SuccessWithMessage(string) {}
func (VoidHandler) Error()                    {}
func (VoidHandler) ErrorWithMessage(string)   {}
func (VoidHandler) Hide()                     {}
func (VoidHandler) Show()                     {}
