package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventGroupCoalesces(t *testing.T) {
	g := newEventGroup()
	g.set(evSchedule)
	g.set(evSchedule)
	g.set(evAudioInput)

	stop := make(chan struct{})
	bits := g.wait(stop)
	assert.Equal(t, evSchedule|evAudioInput, bits)
}

func TestEventGroupClearsOnWait(t *testing.T) {
	g := newEventGroup()
	g.set(evAudioOutput)

	stop := make(chan struct{})
	_ = g.wait(stop)

	done := make(chan eventBits, 1)
	go func() { done <- g.wait(stop) }()

	select {
	case bits := <-done:
		t.Fatalf("wait returned %v with nothing pending", bits)
	case <-time.After(50 * time.Millisecond):
	}

	g.set(evVersionCheckDone)
	select {
	case bits := <-done:
		assert.Equal(t, evVersionCheckDone, bits)
	case <-time.After(time.Second):
		t.Fatal("wait never woke")
	}
}

func TestEventGroupStop(t *testing.T) {
	g := newEventGroup()
	stop := make(chan struct{})
	close(stop)
	assert.Zero(t, g.wait(stop))
}
