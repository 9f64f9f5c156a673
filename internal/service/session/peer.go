package session

import (
	"sync"

	"github.com/google/uuid"

	"appforge/internal/model"
)

// Close reasons reported by Peer.CloseReason
const (
	ReasonSlowConsumer = "slow consumer"
	ReasonReplaced     = "replaced by a newer connection"
	ReasonSessionEnded = "session ended"
	ReasonShutdown     = "server shutting down"
)

// Peer is one operator or worker connection as seen by its session. The
// transport drains TakeReplay() first, then Outbound() until Done() is closed.
type Peer struct {
	ID        string
	Role      model.Role
	RequestID string

	out    chan []byte
	done   chan struct{}
	once   sync.Once
	reason string

	replayMu sync.Mutex
	replay   [][]byte
}

func newPeer(role model.Role, requestID string, queue int) *Peer {
	if queue <= 0 {
		queue = 1
	}
	return &Peer{
		ID:        uuid.New().String(),
		Role:      role,
		RequestID: requestID,
		out:       make(chan []byte, queue),
		done:      make(chan struct{}),
	}
}

// Outbound carries live messages for the connection
func (p *Peer) Outbound() <-chan []byte {
	return p.out
}

// Done is closed when the session drops the connection
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// TakeReplay returns the buffered history captured at attach time, once.
func (p *Peer) TakeReplay() [][]byte {
	p.replayMu.Lock()
	defer p.replayMu.Unlock()
	r := p.replay
	p.replay = nil
	return r
}

// CloseReason is set once Done is closed
func (p *Peer) CloseReason() string {
	select {
	case <-p.done:
		return p.reason
	default:
		return ""
	}
}

// enqueue never blocks. It returns false when the queue is full or the peer is closed.
func (p *Peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- data:
		return true
	default:
		return false
	}
}

func (p *Peer) setReplay(history [][]byte) {
	p.replayMu.Lock()
	p.replay = history
	p.replayMu.Unlock()
}

func (p *Peer) close(reason string) {
	p.once.Do(func() {
		p.reason = reason
		close(p.done)
	})
}

func (p *Peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
