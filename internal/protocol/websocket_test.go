package protocol

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhome/voxd/internal/types"
)

var testUpgrader = websocket.Upgrader{}

// startEchoServer runs a minimal session server: it answers the client
// hello and forwards everything it receives to handler.
func startEchoServer(t *testing.T, handler func(conn *websocket.Conn, msgType int, data []byte)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var probe struct {
				Type string `json:"type"`
			}
			if msgType == websocket.TextMessage {
				_ = json.Unmarshal(data, &probe)
			}
			if probe.Type == "hello" {
				reply, _ := json.Marshal(map[string]any{
					"type":       "hello",
					"transport":  "websocket",
					"session_id": "sess-42",
					"audio_params": map[string]any{
						"sample_rate":    24000,
						"frame_duration": 20,
					},
				})
				_ = conn.WriteMessage(websocket.TextMessage, reply)
				continue
			}
			if handler != nil {
				handler(conn, msgType, data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketOpenAudioChannel(t *testing.T) {
	srv := startEchoServer(t, nil)

	proto := NewWebSocket(map[string]string{"url": wsURL(srv)}, "dev-id", "client-id")
	events := make(chan Event, 16)
	proto.OnEvent(func(ev Event) { events <- ev })

	require.NoError(t, proto.OpenAudioChannel())
	defer func() { _ = proto.Close() }()

	assert.True(t, proto.IsAudioChannelOpened())
	assert.Equal(t, "sess-42", proto.SessionID())

	select {
	case ev := <-events:
		opened, ok := ev.(ChannelOpenedEvent)
		require.True(t, ok, "first event must be the channel opening, got %T", ev)
		assert.Equal(t, "sess-42", opened.SessionID)
		assert.Equal(t, 24000, opened.SampleRate)
		assert.Equal(t, 20, opened.FrameMs)
	case <-time.After(time.Second):
		t.Fatal("no channel opened event")
	}
}

func TestWebSocketAudioRoundTrip(t *testing.T) {
	srv := startEchoServer(t, func(conn *websocket.Conn, msgType int, data []byte) {
		if msgType == websocket.BinaryMessage {
			_ = conn.WriteMessage(websocket.BinaryMessage, data)
		}
	})

	proto := NewWebSocket(map[string]string{"url": wsURL(srv)}, "dev-id", "client-id")
	events := make(chan Event, 16)
	proto.OnEvent(func(ev Event) { events <- ev })
	require.NoError(t, proto.OpenAudioChannel())
	defer func() { _ = proto.Close() }()

	pkt := types.EncodedPacket{Payload: []byte{1, 2, 3}, Timestamp: 120}
	require.NoError(t, proto.SendAudio(pkt))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if audioEv, ok := ev.(AudioEvent); ok {
				assert.Equal(t, pkt, audioEv.Packet)
				return
			}
		case <-deadline:
			t.Fatal("echoed audio never arrived")
		}
	}
}

func TestWebSocketServerEvents(t *testing.T) {
	srv := startEchoServer(t, func(conn *websocket.Conn, _ int, data []byte) {
		var msg struct {
			Type  string `json:"type"`
			State string `json:"state"`
		}
		_ = json.Unmarshal(data, &msg)
		if msg.Type == "listen" && msg.State == "start" {
			reply, _ := json.Marshal(map[string]any{"type": "tts", "state": "start"})
			_ = conn.WriteMessage(websocket.TextMessage, reply)
		}
	})

	proto := NewWebSocket(map[string]string{"url": wsURL(srv)}, "dev-id", "client-id")
	events := make(chan Event, 16)
	proto.OnEvent(func(ev Event) { events <- ev })
	require.NoError(t, proto.OpenAudioChannel())
	defer func() { _ = proto.Close() }()

	require.NoError(t, proto.SendStartListening(types.ListeningAutoStop))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(TTSStartEvent); ok {
				return
			}
		case <-deadline:
			t.Fatal("tts start event never arrived")
		}
	}
}

func TestWebSocketSendOnClosedChannel(t *testing.T) {
	proto := NewWebSocket(map[string]string{"url": "ws://127.0.0.1:1/"}, "dev", "client")
	err := proto.SendAudio(types.EncodedPacket{Payload: []byte{1}})
	assert.ErrorIs(t, err, ErrChannelClosed)
}
