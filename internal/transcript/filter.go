package transcript

import (
	"strings"
	"sync"
)

// Segment is one recognition hypothesis within an event.
type Segment struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// RecognitionEvent is one speech-recognition callback. ResultIndex is
// non-decreasing within a capture run, but the same index may be delivered
// again with revised segments.
type RecognitionEvent struct {
	ResultIndex int       `json:"result_index"`
	Segments    []Segment `json:"segments"`
}

// Result is the outcome of feeding one event to the Filter.
type Result struct {
	Live      string // full current hypothesis, final text followed by interim text
	Committed string // trimmed final text; only meaningful when Commit is true
	Commit    bool
}

// Filter turns overlapping recognition events into committed utterances.
// Each result index commits at most once per capture run.
type Filter struct {
	mu                 sync.Mutex
	running            bool
	lastProcessedIndex int
}

// NewFilter returns a stopped filter.
func NewFilter() *Filter {
	return &Filter{lastProcessedIndex: -1}
}

// Start begins a capture run and resets the commit cursor.
func (f *Filter) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.lastProcessedIndex = -1
}

// Stop ends the capture run. The cursor is kept until the next Start.
func (f *Filter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

// Running reports whether the filter accepts events.
func (f *Filter) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// LastProcessedIndex returns the commit cursor.
func (f *Filter) LastProcessedIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastProcessedIndex
}

// OnEvent processes one event. The second return value is false when the
// filter is stopped and the event was ignored.
func (f *Filter) OnEvent(e RecognitionEvent) (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return Result{}, false
	}

	var final, interim strings.Builder
	for _, seg := range e.Segments {
		if seg.IsFinal {
			final.WriteString(seg.Text)
			final.WriteByte(' ')
		} else {
			interim.WriteString(seg.Text)
		}
	}

	res := Result{Live: final.String() + interim.String()}
	committed := strings.TrimSpace(final.String())
	if committed != "" && e.ResultIndex > f.lastProcessedIndex {
		f.lastProcessedIndex = e.ResultIndex
		res.Committed = committed
		res.Commit = true
	}
	return res, true
}
