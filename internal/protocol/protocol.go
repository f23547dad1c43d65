// Package protocol implements the server transports for the voice session:
// a control channel of JSON messages and an audio channel of binary frames.
// Inbound traffic surfaces as typed events consumed by the reactor.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/voxhome/voxd/internal/types"
)

// Sentinel errors shared by the transports.
var (
	// ErrChannelClosed is returned when sending on a closed audio channel.
	ErrChannelClosed = errors.New("audio channel is closed")
	// ErrHelloTimeout is returned when the server hello never arrives.
	ErrHelloTimeout = errors.New("timed out waiting for server hello")
)

// helloTimeout bounds the wait for the server's hello reply.
const helloTimeout = 10 * time.Second

// Event is an inbound server event. The concrete types below are the full
// set; consumers type-switch on them.
type Event interface {
	isEvent()
}

// NetworkErrorEvent reports a transport failure visible to the user.
type NetworkErrorEvent struct{ Message string }

// AudioEvent carries one inbound compressed audio frame.
type AudioEvent struct{ Packet types.EncodedPacket }

// ChannelOpenedEvent reports a completed hello exchange and the stream
// format the server will send.
type ChannelOpenedEvent struct {
	SessionID  string
	SampleRate int
	FrameMs    int
}

// ChannelClosedEvent reports the audio channel going away.
type ChannelClosedEvent struct{}

// TTSStartEvent marks the beginning of server speech.
type TTSStartEvent struct{}

// TTSStopEvent marks the end of server speech.
type TTSStopEvent struct{}

// SentenceEvent carries the text of the sentence being spoken.
type SentenceEvent struct{ Text string }

// STTEvent echoes the server's transcription of user speech.
type STTEvent struct{ Text string }

// EmotionEvent carries the assistant emotion for an indicator collaborator.
type EmotionEvent struct{ Emotion string }

// SystemCommandEvent carries a server-issued device command.
type SystemCommandEvent struct{ Command string }

// AlertEvent carries a server-raised alert.
type AlertEvent struct {
	Status  string
	Message string
	Emotion string
}

func (NetworkErrorEvent) isEvent()  {}
func (AudioEvent) isEvent()         {}
func (ChannelOpenedEvent) isEvent() {}
func (ChannelClosedEvent) isEvent() {}
func (TTSStartEvent) isEvent()      {}
func (TTSStopEvent) isEvent()       {}
func (SentenceEvent) isEvent()      {}
func (STTEvent) isEvent()           {}
func (EmotionEvent) isEvent()       {}
func (SystemCommandEvent) isEvent() {}
func (AlertEvent) isEvent()         {}

// Protocol is a server transport. Implementations deliver inbound traffic
// through the event sink registered with OnEvent; the sink runs on the
// transport's reader goroutine and must hand work off quickly.
type Protocol interface {
	// OpenAudioChannel connects, performs the hello exchange, and arms the
	// audio path.
	OpenAudioChannel() error
	// CloseAudioChannel tears the channel down. Safe to call when closed.
	CloseAudioChannel()
	// IsAudioChannelOpened reports whether audio can currently flow.
	IsAudioChannelOpened() bool

	// SendAudio ships one compressed capture frame.
	SendAudio(pkt types.EncodedPacket) error
	// SendStartListening opens a listening session in the given mode.
	SendStartListening(mode types.ListeningMode) error
	// SendStopListening ends the listening session.
	SendStopListening() error
	// SendAbortSpeaking asks the server to stop the current speech.
	SendAbortSpeaking(reason types.AbortReason) error
	// SendWakeWordDetected reports a locally detected wake phrase.
	SendWakeWordDetected(phrase string) error

	// OnEvent registers the inbound event sink. Set before opening.
	OnEvent(fn func(Event))
	// SessionID returns the session assigned by the server hello.
	SessionID() string
	// Close releases the transport entirely.
	Close() error
}

// Binary audio frame layout, shared by the transports: a fixed header of
// version, reserved, millisecond timestamp, and payload length, all
// big-endian, followed by the compressed payload.
const (
	frameVersion    = 1
	frameHeaderSize = 12
)

// EncodeAudioFrame serializes one packet into the wire frame.
func EncodeAudioFrame(pkt types.EncodedPacket) []byte {
	buf := make([]byte, frameHeaderSize+len(pkt.Payload))
	binary.BigEndian.PutUint16(buf[0:2], frameVersion)
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], uint32(pkt.Timestamp))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(pkt.Payload)))
	copy(buf[frameHeaderSize:], pkt.Payload)
	return buf
}

// DecodeAudioFrame parses a wire frame. Frames with an unknown version or
// inconsistent length are rejected.
func DecodeAudioFrame(data []byte) (types.EncodedPacket, error) {
	if len(data) < frameHeaderSize {
		return types.EncodedPacket{}, errors.New("audio frame too short")
	}
	if binary.BigEndian.Uint16(data[0:2]) != frameVersion {
		return types.EncodedPacket{}, errors.New("unknown audio frame version")
	}
	payloadLen := int(binary.BigEndian.Uint32(data[8:12]))
	if frameHeaderSize+payloadLen > len(data) {
		return types.EncodedPacket{}, errors.New("audio frame payload truncated")
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[frameHeaderSize:frameHeaderSize+payloadLen])
	return types.EncodedPacket{
		Payload:   payload,
		Timestamp: int64(binary.BigEndian.Uint32(data[4:8])),
	}, nil
}

// controlMessage is the superset of inbound control JSON.
type controlMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text"`
	Emotion   string `json:"emotion"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`

	Transport   string `json:"transport"`
	AudioParams *struct {
		Format        string `json:"format"`
		SampleRate    int    `json:"sample_rate"`
		Channels      int    `json:"channels"`
		FrameDuration int    `json:"frame_duration"`
	} `json:"audio_params"`
}

// dispatchControl parses one inbound control message and emits the matching
// events. Hello messages are handled by the transports before this point.
func dispatchControl(data []byte, emit func(Event)) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("discarding unparseable control message", "error", err)
		return
	}

	switch msg.Type {
	case "tts":
		switch msg.State {
		case "start":
			emit(TTSStartEvent{})
		case "stop":
			emit(TTSStopEvent{})
		case "sentence_start":
			emit(SentenceEvent{Text: msg.Text})
		}
	case "stt":
		emit(STTEvent{Text: msg.Text})
	case "llm":
		emit(EmotionEvent{Emotion: msg.Emotion})
	case "system":
		emit(SystemCommandEvent{Command: msg.Command})
	case "alert":
		emit(AlertEvent{Status: msg.Status, Message: msg.Message, Emotion: msg.Emotion})
	case "goodbye":
		emit(ChannelClosedEvent{})
	default:
		slog.Debug("ignoring control message", "type", msg.Type)
	}
}

// clientHello builds the hello the device opens every channel with.
func clientHello(transport string) []byte {
	hello := map[string]any{
		"type":      "hello",
		"version":   frameVersion,
		"transport": transport,
		"audio_params": map[string]any{
			"format":         "opus",
			"sample_rate":    types.EncodeSampleRate,
			"channels":       1,
			"frame_duration": types.FrameDurationMs,
		},
	}
	data, _ := json.Marshal(hello)
	return data
}

// listenMessage builds a listen-session control message.
func listenMessage(sessionID, state string, extra map[string]string) []byte {
	msg := map[string]any{
		"session_id": sessionID,
		"type":       "listen",
		"state":      state,
	}
	for k, v := range extra {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	return data
}

// abortMessage builds an abort-speaking control message.
func abortMessage(sessionID string, reason types.AbortReason) []byte {
	msg := map[string]any{
		"session_id": sessionID,
		"type":       "abort",
	}
	if reason == types.AbortWakeWord {
		msg["reason"] = string(reason)
	}
	data, _ := json.Marshal(msg)
	return data
}
