package testutil

import "sync"

// FlowRecorder is a pub.FlowListener that records every signal.
type FlowRecorder struct {
	mu           sync.Mutex
	flows        []int
	backpressure int
	resume       int
}

func (f *FlowRecorder) Flow(permits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flows = append(f.flows, permits)
}

func (f *FlowRecorder) Backpressure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backpressure++
}

func (f *FlowRecorder) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resume++
}

// Flows returns the permit counts of every Flow call in order.
func (f *FlowRecorder) Flows() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.flows...)
}

// Permits returns the total number of permits granted.
func (f *FlowRecorder) Permits() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, n := range f.flows {
		total += n
	}
	return total
}

func (f *FlowRecorder) Backpressures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backpressure
}

func (f *FlowRecorder) Resumes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resume
}
