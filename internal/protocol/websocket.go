package protocol

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhome/voxd/internal/types"
	"github.com/voxhome/voxd/internal/util"
)

// WebSocketProtocol speaks the session protocol over a single WebSocket
// connection: JSON text messages for control, binary frames for audio.
type WebSocketProtocol struct {
	url      string
	token    string
	deviceID string
	clientID string

	sink func(Event)

	mu        sync.Mutex
	conn      *websocket.Conn
	opened    bool
	sessionID string
	helloCh   chan ChannelOpenedEvent
}

// NewWebSocket builds a WebSocket transport from the server config section
// persisted by the version check. Recognized keys: url, token.
func NewWebSocket(cfg map[string]string, deviceID, clientID string) *WebSocketProtocol {
	return &WebSocketProtocol{
		url:      cfg["url"],
		token:    cfg["token"],
		deviceID: deviceID,
		clientID: clientID,
	}
}

// OnEvent registers the inbound event sink.
func (w *WebSocketProtocol) OnEvent(fn func(Event)) { w.sink = fn }

// SessionID returns the session assigned by the server hello.
func (w *WebSocketProtocol) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// IsAudioChannelOpened reports whether the hello exchange has completed on
// a live connection.
func (w *WebSocketProtocol) IsAudioChannelOpened() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opened && w.conn != nil
}

// OpenAudioChannel dials the server, performs the hello exchange, and
// starts the reader.
func (w *WebSocketProtocol) OpenAudioChannel() error {
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}
	header.Set("Protocol-Version", strconv.Itoa(frameVersion))
	header.Set("Device-Id", w.deviceID)
	header.Set("Client-Id", w.clientID)

	conn, _, err := websocket.DefaultDialer.Dial(w.url, header)
	if err != nil {
		w.emit(NetworkErrorEvent{Message: "server not connected"})
		return util.WrapError("dial websocket", err)
	}

	helloCh := make(chan ChannelOpenedEvent, 1)
	w.mu.Lock()
	w.conn = conn
	w.opened = false
	w.helloCh = helloCh
	w.mu.Unlock()

	go w.readLoop(conn)

	if err := w.writeText(clientHello("websocket")); err != nil {
		w.CloseAudioChannel()
		return err
	}

	select {
	case opened := <-helloCh:
		w.mu.Lock()
		w.opened = true
		w.sessionID = opened.SessionID
		w.mu.Unlock()
		w.emit(opened)
		return nil
	case <-time.After(helloTimeout):
		w.CloseAudioChannel()
		w.emit(NetworkErrorEvent{Message: "server timeout"})
		return ErrHelloTimeout
	}
}

// CloseAudioChannel tears down the connection. Safe when already closed.
func (w *WebSocketProtocol) CloseAudioChannel() {
	w.mu.Lock()
	conn := w.conn
	wasOpen := w.opened
	w.conn = nil
	w.opened = false
	w.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasOpen {
		w.emit(ChannelClosedEvent{})
	}
}

// Close releases the transport.
func (w *WebSocketProtocol) Close() error {
	w.CloseAudioChannel()
	return nil
}

// SendAudio ships one compressed capture frame as a binary message.
func (w *WebSocketProtocol) SendAudio(pkt types.EncodedPacket) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.opened || w.conn == nil {
		return ErrChannelClosed
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, EncodeAudioFrame(pkt)); err != nil {
		return util.WrapError("send audio frame", err)
	}
	return nil
}

// SendStartListening opens a listening session in the given mode.
func (w *WebSocketProtocol) SendStartListening(mode types.ListeningMode) error {
	return w.writeText(listenMessage(w.SessionID(), "start", map[string]string{"mode": string(mode)}))
}

// SendStopListening ends the listening session.
func (w *WebSocketProtocol) SendStopListening() error {
	return w.writeText(listenMessage(w.SessionID(), "stop", nil))
}

// SendAbortSpeaking asks the server to stop the current speech.
func (w *WebSocketProtocol) SendAbortSpeaking(reason types.AbortReason) error {
	return w.writeText(abortMessage(w.SessionID(), reason))
}

// SendWakeWordDetected reports a locally detected wake phrase.
func (w *WebSocketProtocol) SendWakeWordDetected(phrase string) error {
	return w.writeText(listenMessage(w.SessionID(), "detect", map[string]string{"text": phrase}))
}

func (w *WebSocketProtocol) writeText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrChannelClosed
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return util.WrapError("send control message", err)
	}
	return nil
}

func (w *WebSocketProtocol) emit(ev Event) {
	if w.sink != nil {
		w.sink(ev)
	}
}

// readLoop pumps inbound messages until the connection dies.
func (w *WebSocketProtocol) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			current := w.conn == conn
			w.mu.Unlock()
			if current {
				slog.Warn("websocket read failed", "error", err)
				w.CloseAudioChannel()
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			pkt, err := DecodeAudioFrame(data)
			if err != nil {
				slog.Warn("discarding malformed audio frame", "error", err)
				continue
			}
			w.emit(AudioEvent{Packet: pkt})
		case websocket.TextMessage:
			w.handleText(data)
		}
	}
}

func (w *WebSocketProtocol) handleText(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		slog.Warn("discarding unparseable control message", "error", err)
		return
	}
	if probe.Type == "hello" {
		w.handleHello(data)
		return
	}
	dispatchControl(data, w.emit)
}

// handleHello completes the channel-open handshake. The server's audio
// params override the stream format the playback side decodes at.
func (w *WebSocketProtocol) handleHello(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("discarding unparseable hello", "error", err)
		return
	}
	if msg.Transport != "websocket" {
		slog.Error("unsupported hello transport", "transport", msg.Transport)
		return
	}

	opened := ChannelOpenedEvent{
		SessionID:  msg.SessionID,
		SampleRate: types.EncodeSampleRate,
		FrameMs:    types.FrameDurationMs,
	}
	if msg.AudioParams != nil {
		if msg.AudioParams.SampleRate > 0 {
			opened.SampleRate = msg.AudioParams.SampleRate
		}
		if msg.AudioParams.FrameDuration > 0 {
			opened.FrameMs = msg.AudioParams.FrameDuration
		}
	}

	w.mu.Lock()
	helloCh := w.helloCh
	w.mu.Unlock()
	if helloCh != nil {
		select {
		case helloCh <- opened:
		default:
		}
	}
}
