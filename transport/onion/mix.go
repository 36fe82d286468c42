package onion

import (
	"math/rand"
	"sync"
	"time"
)

// MixBatch buffers outgoing cells and flushes them together, shuffled and
// padded with cover traffic, so an observer cannot correlate a cell's
// arrival with its departure by timing or order — spec §4.4's mix
// batching requirement.
type MixBatch struct {
	mu            sync.Mutex
	pending       [][]byte
	bufferSize    int
	flushInterval time.Duration

	out    chan [][]byte
	stop   chan struct{}
	closed bool
}

// NewMixBatch starts a batcher that flushes when bufferSize real cells
// have queued, or on each tick of a fixed flushInterval timer while any
// cells are queued, whichever comes first. A buffer-full flush does not
// reset the timer. Callers read flushed batches from Out().
func NewMixBatch(bufferSize int, flushInterval time.Duration) *MixBatch {
	m := &MixBatch{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		out:           make(chan [][]byte, 1),
		stop:          make(chan struct{}),
	}
	go m.loop()
	return m
}

// Add queues a real (already-layered, CellSize-padded) cell for the next
// flush.
func (m *MixBatch) Add(cell []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = append(m.pending, cell)
	if len(m.pending) >= m.bufferSize {
		m.flushLocked()
	}
}

// Out returns the channel of flushed, shuffled, cover-padded batches.
func (m *MixBatch) Out() <-chan [][]byte { return m.out }

// Close stops the background flush timer. Safe to call once.
func (m *MixBatch) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
}

func (m *MixBatch) loop() {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if len(m.pending) > 0 {
				m.flushLocked()
			}
			m.mu.Unlock()
		}
	}
}

// flushLocked pads the pending batch out to bufferSize with cover cells,
// shuffles it, and emits it. Caller must hold m.mu.
func (m *MixBatch) flushLocked() {
	batch := m.pending
	m.pending = nil

	for len(batch) < m.bufferSize {
		batch = append(batch, NewCoverCell())
	}
	rand.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })

	select {
	case m.out <- batch:
	default:
		// A slow consumer drops the oldest unread batch rather than
		// blocking the mix and creating a timing side-channel. The drain
		// is non-blocking in case the consumer emptied the channel first.
		select {
		case <-m.out:
		default:
		}
		m.out <- batch
	}
}
