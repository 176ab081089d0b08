package relay

import (
	"sync/atomic"
	"time"

	"github.com/ajessitech/figmacopilot-sub001/component"
)

// flowTracker accumulates the counters behind the server's Discoverable
// surface. Prometheus metrics live in the metric package; this tracks just
// enough for Health and DataFlow.
type flowTracker struct {
	startTime    time.Time
	messages     atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Value // stores time.Time
	lastError    atomic.Value // stores string
}

func newFlowTracker() *flowTracker {
	return &flowTracker{}
}

func (f *flowTracker) start() {
	f.startTime = time.Now()
}

func (f *flowTracker) recordMessage() {
	f.messages.Add(1)
	f.lastActivity.Store(time.Now())
}

func (f *flowTracker) recordError(err error) {
	f.errors.Add(1)
	if err != nil {
		f.lastError.Store(err.Error())
	}
}

func (f *flowTracker) uptime() time.Duration {
	if f.startTime.IsZero() {
		return 0
	}
	return time.Since(f.startTime)
}

func (f *flowTracker) errorCount() int {
	return int(f.errors.Load())
}

func (f *flowTracker) lastErrorString() string {
	if val := f.lastError.Load(); val != nil {
		return val.(string)
	}
	return ""
}

func (f *flowTracker) dataFlow() component.FlowMetrics {
	messages := f.messages.Load()

	var messagesPerSecond float64
	if uptime := f.uptime().Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
	}

	var errorRate float64
	if messages > 0 {
		errorRate = float64(f.errors.Load()) / float64(messages)
	}

	lastAct := time.Time{}
	if val := f.lastActivity.Load(); val != nil {
		lastAct = val.(time.Time)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    0, // not tracked
		ErrorRate:         errorRate,
		LastActivity:      lastAct,
	}
}
