package runner

import (
	"strings"
	"time"
	"unicode"

	"github.com/XaF/omnienv/pkg/listener"
)

// RunConfig is the per-invocation configuration of a supervised run.
// The zero value runs with no timeout, no stripping, and no relays.
type RunConfig struct {
	// IdleTimeout kills the child when no output is read from either
	// stream for this long. This is not a total-runtime timeout; the
	// clock resets on every read. Zero disables it.
	IdleTimeout time.Duration

	// StripControlChars removes control characters and ANSI escape
	// sequences from lines before they reach the progress handler.
	// The raw bytes are still mirrored to the combined log file.
	StripControlChars bool

	// AskpassRelay exposes the credential relay socket to the child.
	// Requires Prompt.
	AskpassRelay bool

	// Prompt asks the interactive user for a secret during an askpass
	// relay exchange.
	Prompt listener.PromptFunc

	// LogPipe exposes the one-way log capture FIFO to the child.
	LogPipe bool

	// Env is extra environment for the child, as KEY=value pairs,
	// appended to the current process environment.
	Env []string

	// Dir is the working directory of the child; empty means inherit.
	Dir string
}

// stripControlChars drops control characters and the common CSI/OSC
// escape sequences emitted by installers that believe they own the
// terminal. Tabs survive.
func stripControlChars(line string) string {
	var b strings.Builder
	b.Grow(len(line))

	inEscape := false
	for _, r := range line {
		switch {
		case inEscape:
			// CSI sequences end on a letter; OSC and simple escapes
			// end on BEL or an alphabetic terminator.
			if unicode.IsLetter(r) || r == '\a' {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		case r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
