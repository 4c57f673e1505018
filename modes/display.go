package modes

import (
	"sync"

	"go.viam.com/rdk/logging"
)

// Tone tags a status line.
type Tone int

// Tones.
const (
	Neutral Tone = iota
	Positive
	Negative
)

func (t Tone) String() string {
	switch t {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "neutral"
	}
}

// Display is the presentation sink. Modes report every state change worth surfacing and never
// depend on what the display does with it.
type Display interface {
	Show(tone Tone, text string)
}

// Status is the last line shown.
type Status struct {
	Mode string
	Tone Tone
	Text string
}

// LogDisplay logs status lines and remembers the last one. It is safe for concurrent use, so
// the status can be read while a mode runs.
type LogDisplay struct {
	logger logging.Logger

	mu     sync.Mutex
	status Status
}

// NewLogDisplay returns a display writing to logger.
func NewLogDisplay(logger logging.Logger) *LogDisplay {
	return &LogDisplay{logger: logger}
}

// SetMode records the mode name shown with subsequent lines.
func (d *LogDisplay) SetMode(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = Status{Mode: name}
}

// Show implements Display.
func (d *LogDisplay) Show(tone Tone, text string) {
	d.mu.Lock()
	d.status.Tone = tone
	d.status.Text = text
	mode := d.status.Mode
	d.mu.Unlock()

	if tone == Negative {
		d.logger.Warnw(text, "mode", mode)
		return
	}
	d.logger.Infow(text, "mode", mode)
}

// Status returns the last line shown.
func (d *LogDisplay) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
