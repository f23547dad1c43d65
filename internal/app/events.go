package app

import "sync"

// eventBits is the reactor's wake-up bitmask. Multiple signals coalesce
// until the loop next wakes.
type eventBits uint32

const (
	// evSchedule signals queued jobs. The loop drains all of them before
	// servicing any other bit.
	evSchedule eventBits = 1 << iota
	// evAudioInput signals encoded capture packets ready to send.
	evAudioInput
	// evAudioOutput signals inbound audio packets ready to queue.
	evAudioOutput
	// evVersionCheckDone signals the provisioning sequence finished.
	evVersionCheckDone
)

// eventGroup is a level-triggered bitmask the loop blocks on. Setting a
// bit that is already pending is a no-op; wait returns and clears all
// pending bits at once.
type eventGroup struct {
	mu   sync.Mutex
	bits eventBits
	ch   chan struct{}
}

func newEventGroup() *eventGroup {
	return &eventGroup{ch: make(chan struct{}, 1)}
}

// set marks bits pending and wakes the loop.
func (g *eventGroup) set(bits eventBits) {
	g.mu.Lock()
	g.bits |= bits
	g.mu.Unlock()
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// wait blocks until at least one bit is pending or stop closes, then
// clears and returns the pending set. A zero return means stop.
func (g *eventGroup) wait(stop <-chan struct{}) eventBits {
	for {
		g.mu.Lock()
		bits := g.bits
		g.bits = 0
		g.mu.Unlock()
		if bits != 0 {
			return bits
		}
		select {
		case <-stop:
			return 0
		case <-g.ch:
		}
	}
}
