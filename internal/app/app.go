// Package app implements the device event reactor: the single loop that
// owns the device state machine and serializes every state mutation, fed
// by scheduled jobs, audio readiness signals, and the provisioning
// sequence.
package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxhome/voxd/internal/audio"
	"github.com/voxhome/voxd/internal/capturelog"
	"github.com/voxhome/voxd/internal/config"
	"github.com/voxhome/voxd/internal/ota"
	"github.com/voxhome/voxd/internal/protocol"
	"github.com/voxhome/voxd/internal/task"
	"github.com/voxhome/voxd/internal/types"
	"github.com/voxhome/voxd/internal/wakeword"
)

// periodicCheckTicks is how many clock ticks pass between idle-time
// version re-checks.
const periodicCheckTicks = 3600

// maxPendingOutgoing bounds encoded capture packets waiting on the
// reactor. A stalled transport drops the oldest frames first instead of
// growing the queue.
const maxPendingOutgoing = 16

// Options wires the reactor's collaborators.
type Options struct {
	Config   *config.Config
	Pipeline *audio.Pipeline
	Executor *task.Executor
	Gate     *wakeword.Gate
	Engine   *ota.Engine
	Rebooter ota.Rebooter
	Capture  *capturelog.Recorder

	// ProtocolFactory builds the server transport once provisioning has
	// persisted the transport sections. Returning nil with no error means
	// no transport is configured yet.
	ProtocolFactory func() (protocol.Protocol, error)
}

// App is the event reactor. All device-state transitions and protocol
// sends happen on its loop goroutine; other goroutines communicate with it
// through Schedule and the event bits.
type App struct {
	cfg      *config.Config
	pipeline *audio.Pipeline
	exec     *task.Executor
	gate     *wakeword.Gate
	engine   *ota.Engine
	rebooter ota.Rebooter
	capture  *capturelog.Recorder

	protoFactory func() (protocol.Protocol, error)

	events *eventGroup

	jobsMu sync.Mutex
	jobs   []func()

	packetsMu sync.Mutex
	outgoing  []types.EncodedPacket
	inbound   []types.EncodedPacket

	stateMu sync.RWMutex
	state   types.DeviceState

	onActivation func(types.ActivationChallenge)

	// Reactor-goroutine-only fields.
	proto         protocol.Protocol
	listeningMode types.ListeningMode
	keepListening bool
	decodeRate    int
	decodeFrameMs int
	ticks         int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the reactor. Call Start to run it.
func New(opts Options) *App {
	return &App{
		cfg:           opts.Config,
		pipeline:      opts.Pipeline,
		exec:          opts.Executor,
		gate:          opts.Gate,
		engine:        opts.Engine,
		rebooter:      opts.Rebooter,
		capture:       opts.Capture,
		protoFactory:  opts.ProtocolFactory,
		events:        newEventGroup(),
		state:         types.StateUnknown,
		listeningMode: types.ListeningAutoStop,
		decodeRate:    types.EncodeSampleRate,
		decodeFrameMs: types.FrameDurationMs,
		stopCh:        make(chan struct{}),
	}
}

// OnActivationCode registers the indicator hook for activation codes the
// user must enter elsewhere. Set before Start.
func (a *App) OnActivationCode(fn func(types.ActivationChallenge)) {
	a.onActivation = fn
}

// Start wires the audio and wake callbacks, launches the loop, and kicks
// off provisioning.
func (a *App) Start() {
	a.pipeline.OnEncoded(a.enqueueOutgoing)
	a.pipeline.OnInputFrame(a.gate.Feed)
	a.gate.OnWakeWord(a.handleWakeWord)
	a.gate.OnSpeakingChange(a.handleSpeakingChange)

	a.pipeline.Start()

	a.wg.Add(2)
	go a.loop()
	go a.clockLoop()

	a.Schedule(func() {
		a.SetDeviceState(types.StateStarting)
		a.SetDeviceState(types.StateActivating)
	})
	go a.provisionLoop()
}

// Stop terminates the loop and the audio pipeline.
func (a *App) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.pipeline.Stop()
	if a.proto != nil {
		_ = a.proto.Close()
	}
}

// Schedule queues fn for execution on the reactor goroutine. Jobs run in
// submission order before any other event bit is serviced.
func (a *App) Schedule(fn func()) {
	a.jobsMu.Lock()
	a.jobs = append(a.jobs, fn)
	a.jobsMu.Unlock()
	a.events.set(evSchedule)
}

// GetDeviceState returns the last committed device state.
func (a *App) GetDeviceState() types.DeviceState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

// SetDeviceState commits a state transition. It must be called on the
// reactor goroutine; use Schedule from anywhere else. Setting the current
// state again is a no-op, and FatalError is terminal.
func (a *App) SetDeviceState(s types.DeviceState) {
	current := a.GetDeviceState()
	if current == s {
		return
	}
	if current == types.StateFatalError {
		slog.Warn("ignoring state change from fatal error", "requested", string(s))
		return
	}

	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
	slog.Info("device state changed", "from", string(current), "to", string(s))
	a.capture.Log(capturelog.KindState, string(s), "")

	snapshot := a.cfg.Snapshot()
	switch s {
	case types.StateIdle:
		a.gate.SetEnabled(snapshot.WakeEnabled)
		if err := a.pipeline.EnableInput(snapshot.WakeEnabled && snapshot.InputEnabled); err != nil {
			slog.Error("failed to switch input", "error", err)
		}
	case types.StateListening:
		a.gate.SetEnabled(snapshot.WakeEnabled)
		if err := a.pipeline.EnableInput(true); err != nil {
			slog.Error("failed to enable input", "error", err)
		}
	case types.StateSpeaking:
		keepInput := a.listeningMode == types.ListeningRealtime && snapshot.InputEnabled
		if err := a.pipeline.EnableInput(keepInput); err != nil {
			slog.Error("failed to switch input", "error", err)
		}
	case types.StateUpgrading, types.StateFatalError:
		a.gate.SetEnabled(false)
		if err := a.pipeline.EnableInput(false); err != nil {
			slog.Error("failed to disable input", "error", err)
		}
		if s == types.StateFatalError && a.proto != nil {
			a.proto.CloseAudioChannel()
		}
	}
}

// CanEnterSleepMode reports whether the device is quiescent enough for a
// host sleep: idle with no scheduled work pending.
func (a *App) CanEnterSleepMode() bool {
	if a.GetDeviceState() != types.StateIdle {
		return false
	}
	a.jobsMu.Lock()
	pending := len(a.jobs)
	a.jobsMu.Unlock()
	return pending == 0
}

// Reboot restarts the device after flushing the capture log.
func (a *App) Reboot() {
	a.Schedule(func() {
		slog.Info("reboot requested")
		a.capture.Log(capturelog.KindState, "reboot", "")
		a.capture.Stop()
		a.rebooter.Reboot()
	})
}

// loop is the reactor. It blocks on the event bits, drains scheduled jobs
// first, then services audio readiness.
func (a *App) loop() {
	defer a.wg.Done()
	for {
		bits := a.events.wait(a.stopCh)
		if bits == 0 {
			return
		}
		if bits&evSchedule != 0 {
			a.drainJobs()
		}
		if bits&evVersionCheckDone != 0 {
			a.finishProvisioning()
		}
		if bits&evAudioInput != 0 {
			a.flushOutgoing()
		}
		if bits&evAudioOutput != 0 {
			a.drainInbound()
		}
	}
}

// drainJobs runs every queued job in FIFO order, including jobs queued by
// the jobs themselves.
func (a *App) drainJobs() {
	for {
		a.jobsMu.Lock()
		if len(a.jobs) == 0 {
			a.jobsMu.Unlock()
			return
		}
		fn := a.jobs[0]
		a.jobs = a.jobs[1:]
		a.jobsMu.Unlock()
		fn()
	}
}

// clockLoop schedules the 1 Hz housekeeping tick.
func (a *App) clockLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Schedule(a.onClockTick)
		}
	}
}

// onClockTick runs housekeeping: the idle re-check of firmware happens
// once an hour, only while nothing else is going on.
func (a *App) onClockTick() {
	a.ticks++
	if a.ticks%periodicCheckTicks != 0 {
		return
	}
	if a.GetDeviceState() != types.StateIdle {
		return
	}
	go a.recheckVersion()
}

// enqueueOutgoing receives encoded capture packets from the pipeline.
func (a *App) enqueueOutgoing(pkt types.EncodedPacket) {
	a.packetsMu.Lock()
	dropped := len(a.outgoing) >= maxPendingOutgoing
	if dropped {
		a.outgoing = a.outgoing[1:]
	}
	a.outgoing = append(a.outgoing, pkt)
	a.packetsMu.Unlock()
	if dropped {
		slog.Warn("outgoing audio backlog full, dropping oldest frame")
	}
	a.events.set(evAudioInput)
}

// enqueueInbound receives compressed server audio from the transport.
func (a *App) enqueueInbound(pkt types.EncodedPacket) {
	a.packetsMu.Lock()
	a.inbound = append(a.inbound, pkt)
	a.packetsMu.Unlock()
	a.events.set(evAudioOutput)
}

// flushOutgoing ships captured audio while a listening session is live;
// anything else is silently discarded.
func (a *App) flushOutgoing() {
	a.packetsMu.Lock()
	packets := a.outgoing
	a.outgoing = nil
	a.packetsMu.Unlock()

	state := a.GetDeviceState()
	sending := state == types.StateListening ||
		(state == types.StateSpeaking && a.listeningMode == types.ListeningRealtime)
	if !sending || a.proto == nil || !a.proto.IsAudioChannelOpened() {
		return
	}
	for _, pkt := range packets {
		if err := a.proto.SendAudio(pkt); err != nil {
			slog.Warn("failed to send audio", "error", err)
			return
		}
	}
}

// drainInbound feeds server audio to the playback path while speaking.
func (a *App) drainInbound() {
	a.packetsMu.Lock()
	packets := a.inbound
	a.inbound = nil
	a.packetsMu.Unlock()

	if a.GetDeviceState() != types.StateSpeaking {
		return
	}
	for _, pkt := range packets {
		a.pipeline.PushIncoming(pkt)
	}
}
