// Package progress renders ingestion progress on a terminal.
package progress

import (
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"ragpipe/internal/ingest"
)

// Bar advances once per document that reaches a terminal state.
type Bar struct {
	w     io.Writer
	desc  string
	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	done  int
	fails int
}

// New returns a Bar writing to w, or nil when w is not a terminal. The
// pipelines treat a nil Progress as disabled.
func New(w io.Writer, desc string) ingest.Progress {
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return NewBar(w, desc)
}

// NewBar always renders, regardless of the writer.
func NewBar(w io.Writer, desc string) *Bar {
	return &Bar{w: w, desc: desc}
}

func (b *Bar) Start(total int) {
	if total <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionSetDescription(b.desc),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (b *Bar) Advance(_ string, s ingest.State) {
	if s != ingest.StateStored && s != ingest.StateFailed {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
	if b.bar == nil {
		return
	}
	if s == ingest.StateFailed {
		b.fails++
		b.bar.Describe(b.desc + " (" + strconv.Itoa(b.fails) + " failed)")
	}
	_ = b.bar.Add(1)
}

func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
}

// Done returns how many documents reached a terminal state.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
