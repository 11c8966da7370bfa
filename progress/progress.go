// Package progress defines the optional progress-reporting collaborator
// Builder uses during a build, plus two implementations: a terminal bar
// backed by mpb and a no-op default.
package progress

import (
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Sink receives progress updates for one phase of a build at a time.
// Start begins a new phase with a known total unit count (0 if unknown);
// Increment reports n units done since the last call; Done closes out the
// current phase. Implementations must tolerate Start being called again
// before a prior Done, treating it as moving to the next phase.
type Sink interface {
	Start(label string, total int64)
	Increment(n int64)
	Done()
}

// Noop discards every update. It is the zero-value default so Builder
// never needs to nil-check its progress sink.
type Noop struct{}

func (Noop) Start(string, int64) {}
func (Noop) Increment(int64)     {}
func (Noop) Done()               {}

// MPB reports progress as terminal bars via github.com/vbauerster/mpb, the
// same progress-bar dependency used elsewhere in this lineage's CLI
// tooling.
type MPB struct {
	mu       sync.Mutex
	progress *mpb.Progress
	bar      *mpb.Bar
}

// NewMPB creates an MPB sink writing bars to w.
func NewMPB(w io.Writer) *MPB {
	return &MPB{progress: mpb.New(mpb.WithOutput(w))}
}

func (m *MPB) Start(label string, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bar != nil {
		m.bar.Abort(false)
	}
	if total <= 0 {
		total = 1
	}
	m.bar = m.progress.AddBar(total,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(decor.Percentage()),
	)
}

func (m *MPB) Increment(n int64) {
	m.mu.Lock()
	bar := m.bar
	m.mu.Unlock()
	if bar != nil {
		bar.IncrBy(int(n))
	}
}

func (m *MPB) Done() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bar != nil {
		// A bar that reached its total is already complete and Abort
		// leaves it as is; an unfinished one is aborted so Wait returns.
		m.bar.Abort(false)
		m.bar = nil
	}
}

// Wait blocks until every bar has finished rendering. Call it after the
// build completes if bars were used, to avoid truncated terminal output.
func (m *MPB) Wait() {
	m.progress.Wait()
}
