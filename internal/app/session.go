package app

import (
	"log/slog"

	"github.com/voxhome/voxd/internal/capturelog"
	"github.com/voxhome/voxd/internal/protocol"
	"github.com/voxhome/voxd/internal/types"
)

// ToggleChat is the single-button interaction: start a conversation from
// idle, interrupt the assistant while it speaks, or end the session while
// listening.
func (a *App) ToggleChat() {
	a.Schedule(func() {
		switch a.GetDeviceState() {
		case types.StateIdle:
			a.keepListening = true
			a.startListening(types.ListeningAutoStop)
		case types.StateSpeaking:
			a.abortSpeaking(types.AbortNone)
		case types.StateListening:
			a.stopListening()
		default:
		}
	})
}

// StartListening opens a listening session in the given mode.
func (a *App) StartListening(mode types.ListeningMode) {
	a.Schedule(func() {
		a.keepListening = mode != types.ListeningManualStop
		a.startListening(mode)
	})
}

// StopListening ends the listening session.
func (a *App) StopListening() {
	a.Schedule(func() {
		a.keepListening = false
		a.stopListening()
	})
}

// AbortSpeaking interrupts server speech.
func (a *App) AbortSpeaking(reason types.AbortReason) {
	a.Schedule(func() {
		a.abortSpeaking(reason)
	})
}

// WakeWordInvoke reacts to a wake phrase as if it had been detected
// locally: start a session from idle or barge in on speech.
func (a *App) WakeWordInvoke(phrase string) {
	a.Schedule(func() {
		a.wakeWordInvoke(phrase)
	})
}

// startListening ensures the audio channel is open and begins a session.
// Reactor goroutine only.
func (a *App) startListening(mode types.ListeningMode) {
	if !a.openAudioChannel() {
		return
	}
	a.listeningMode = mode
	if err := a.proto.SendStartListening(mode); err != nil {
		slog.Warn("failed to start listening", "error", err)
		a.SetDeviceState(types.StateIdle)
		return
	}
	if err := a.pipeline.ResetDecoder(); err != nil {
		slog.Warn("failed to reset decoder", "error", err)
	}
	a.SetDeviceState(types.StateListening)
}

// stopListening ends the session and returns to idle. Reactor goroutine
// only.
func (a *App) stopListening() {
	if a.proto != nil && a.proto.IsAudioChannelOpened() {
		if err := a.proto.SendStopListening(); err != nil {
			slog.Warn("failed to stop listening", "error", err)
		}
	}
	a.SetDeviceState(types.StateIdle)
}

// abortSpeaking flushes local playback and asks the server to stop; the
// server's tts stop event drives the state transition. Reactor goroutine
// only.
func (a *App) abortSpeaking(reason types.AbortReason) {
	if a.GetDeviceState() != types.StateSpeaking {
		return
	}
	slog.Info("aborting speech", "reason", string(reason))
	if err := a.pipeline.ResetDecoder(); err != nil {
		slog.Warn("failed to reset decoder", "error", err)
	}
	if a.proto != nil {
		if err := a.proto.SendAbortSpeaking(reason); err != nil {
			slog.Warn("failed to send abort", "error", err)
		}
	}
	if reason == types.AbortWakeWord {
		a.keepListening = true
	}
}

// wakeWordInvoke handles a wake phrase on the reactor goroutine.
func (a *App) wakeWordInvoke(phrase string) {
	a.capture.Log(capturelog.KindWakeWord, phrase, "")
	switch a.GetDeviceState() {
	case types.StateIdle:
		if !a.openAudioChannel() {
			return
		}
		if err := a.proto.SendWakeWordDetected(phrase); err != nil {
			slog.Warn("failed to report wake word", "error", err)
		}
		a.keepListening = true
		a.startListening(types.ListeningAutoStop)
	case types.StateSpeaking:
		a.abortSpeaking(types.AbortWakeWord)
	default:
	}
}

// handleWakeWord runs on the capture path; hop to the reactor.
func (a *App) handleWakeWord(phrase string) {
	slog.Info("wake word detected", "phrase", phrase)
	a.Schedule(func() { a.wakeWordInvoke(phrase) })
}

// handleSpeakingChange implements barge-in: sustained user speech while
// the assistant talks in realtime mode aborts the speech.
func (a *App) handleSpeakingChange(speaking bool) {
	if !speaking {
		return
	}
	a.Schedule(func() {
		if a.GetDeviceState() == types.StateSpeaking &&
			a.listeningMode == types.ListeningRealtime {
			a.abortSpeaking(types.AbortByUser)
		}
	})
}

// openAudioChannel makes sure the transport exists and its channel is
// open, transitioning through Connecting. Reactor goroutine only.
func (a *App) openAudioChannel() bool {
	if a.proto == nil {
		slog.Warn("no server transport configured")
		return false
	}
	if a.proto.IsAudioChannelOpened() {
		return true
	}

	a.SetDeviceState(types.StateConnecting)
	if err := a.proto.OpenAudioChannel(); err != nil {
		slog.Error("failed to open audio channel", "error", err)
		a.SetDeviceState(types.StateIdle)
		return false
	}
	return true
}

// handleProtocolEvent is the transport sink. Audio goes straight to the
// inbound queue; everything else hops to the reactor.
func (a *App) handleProtocolEvent(ev protocol.Event) {
	if audioEv, ok := ev.(protocol.AudioEvent); ok {
		a.enqueueInbound(audioEv.Packet)
		return
	}
	a.Schedule(func() { a.applyServerEvent(ev) })
}

// applyServerEvent handles one non-audio server event on the reactor
// goroutine.
func (a *App) applyServerEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.ChannelOpenedEvent:
		a.applyStreamFormat(ev)
	case protocol.ChannelClosedEvent:
		a.keepListening = false
		if a.GetDeviceState() != types.StateFatalError {
			a.SetDeviceState(types.StateIdle)
		}
	case protocol.NetworkErrorEvent:
		slog.Error("server transport error", "message", ev.Message)
		a.capture.Log(capturelog.KindAlert, ev.Message, "network")
		if a.GetDeviceState() != types.StateFatalError {
			a.SetDeviceState(types.StateIdle)
		}
	case protocol.TTSStartEvent:
		switch a.GetDeviceState() {
		case types.StateIdle, types.StateListening:
			a.SetDeviceState(types.StateSpeaking)
		default:
		}
	case protocol.TTSStopEvent:
		if a.GetDeviceState() != types.StateSpeaking {
			return
		}
		if err := a.pipeline.ResetDecoder(); err != nil {
			slog.Warn("failed to reset decoder", "error", err)
		}
		if a.keepListening {
			a.startListening(a.listeningMode)
		} else {
			a.SetDeviceState(types.StateIdle)
		}
	case protocol.SentenceEvent:
		slog.Debug("assistant sentence", "text", ev.Text)
		a.capture.Log(capturelog.KindTTS, ev.Text, "")
	case protocol.STTEvent:
		slog.Info("recognized speech", "text", ev.Text)
		a.capture.Log(capturelog.KindSTT, ev.Text, "")
	case protocol.EmotionEvent:
		slog.Debug("assistant emotion", "emotion", ev.Emotion)
	case protocol.SystemCommandEvent:
		a.applySystemCommand(ev.Command)
	case protocol.AlertEvent:
		slog.Warn("server alert", "status", ev.Status, "message", ev.Message)
		a.capture.Log(capturelog.KindAlert, ev.Message, ev.Status)
	}
}

// applyStreamFormat reconfigures the playback decode side when the server
// hello announces a different stream format.
func (a *App) applyStreamFormat(ev protocol.ChannelOpenedEvent) {
	slog.Info("audio channel opened",
		"session", ev.SessionID, "sample_rate", ev.SampleRate, "frame_ms", ev.FrameMs)
	if ev.SampleRate == a.decodeRate && ev.FrameMs == a.decodeFrameMs {
		return
	}
	if err := a.pipeline.SetDecodeSampleRate(ev.SampleRate, ev.FrameMs); err != nil {
		slog.Error("failed to apply stream format", "error", err)
		return
	}
	a.decodeRate = ev.SampleRate
	a.decodeFrameMs = ev.FrameMs
}

// applySystemCommand executes a server-issued device command.
func (a *App) applySystemCommand(command string) {
	slog.Info("server system command", "command", command)
	switch command {
	case "reboot":
		a.Reboot()
	default:
		slog.Warn("unsupported system command", "command", command)
	}
}
