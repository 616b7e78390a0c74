package serial

import (
	"sync/atomic"
)

// SessionMetrics contains atomic transfer counters for a bus session.
// The fields can be used as the value of a prometheus CounterFunc.
type SessionMetrics struct {
	// FrameSendCount indicates the number of command frames sent.
	FrameSendCount atomic.Uint64
	// BytesSentCount indicates the total bytes written to the bus.
	BytesSentCount atomic.Uint64
	// BytesRecvCount indicates the total bytes read from the bus.
	BytesRecvCount atomic.Uint64
	// EmptyReadCount indicates the number of reads that timed out with no data.
	EmptyReadCount atomic.Uint64
	// PollCount indicates the number of background completion polls issued.
	PollCount atomic.Uint64
}

func (m *SessionMetrics) incFrameSendCount() {
	m.FrameSendCount.Add(1)
}

func (m *SessionMetrics) addBytesSent(n int) {
	m.BytesSentCount.Add(uint64(n)) //nolint: gosec
}

func (m *SessionMetrics) addBytesRecv(n int) {
	m.BytesRecvCount.Add(uint64(n)) //nolint: gosec
}

func (m *SessionMetrics) incEmptyReadCount() {
	m.EmptyReadCount.Add(1)
}

func (m *SessionMetrics) incPollCount() {
	m.PollCount.Add(1)
}
