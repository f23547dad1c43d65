package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/voxhome/voxd/internal/types"
	"github.com/voxhome/voxd/internal/util"
)

// mqttDisconnectQuiesce is how long Disconnect waits for in-flight work.
const mqttDisconnectQuiesce = 250 * time.Millisecond

// MQTTProtocol speaks the session protocol over MQTT. Control JSON flows
// on the configured topics; audio flows on the same topics with an /audio
// suffix, using the shared binary frame layout.
type MQTTProtocol struct {
	endpoint       string
	clientIDPrefix string
	username       string
	password       string
	publishTopic   string
	subscribeTopic string

	sink func(Event)

	mu        sync.Mutex
	client    mqtt.Client
	opened    bool
	sessionID string
	helloCh   chan ChannelOpenedEvent
}

// NewMQTT builds an MQTT transport from the server config section
// persisted by the version check. Recognized keys: endpoint, client_id,
// username, password, publish_topic, subscribe_topic.
func NewMQTT(cfg map[string]string) *MQTTProtocol {
	return &MQTTProtocol{
		endpoint:       cfg["endpoint"],
		clientIDPrefix: cfg["client_id"],
		username:       cfg["username"],
		password:       cfg["password"],
		publishTopic:   cfg["publish_topic"],
		subscribeTopic: cfg["subscribe_topic"],
	}
}

// OnEvent registers the inbound event sink.
func (m *MQTTProtocol) OnEvent(fn func(Event)) { m.sink = fn }

// SessionID returns the session assigned by the server hello.
func (m *MQTTProtocol) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// IsAudioChannelOpened reports whether the hello exchange has completed on
// a live connection.
func (m *MQTTProtocol) IsAudioChannelOpened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened && m.client != nil && m.client.IsConnected()
}

// brokerURI normalizes the configured endpoint into a broker URI. Bare
// host:port defaults to TLS.
func (m *MQTTProtocol) brokerURI() string {
	if strings.Contains(m.endpoint, "://") {
		return m.endpoint
	}
	return "ssl://" + m.endpoint
}

// OpenAudioChannel connects to the broker, subscribes the control and
// audio topics, and performs the hello exchange.
func (m *MQTTProtocol) OpenAudioChannel() error {
	if err := m.connect(); err != nil {
		m.emit(NetworkErrorEvent{Message: "server not connected"})
		return err
	}

	helloCh := make(chan ChannelOpenedEvent, 1)
	m.mu.Lock()
	m.opened = false
	m.helloCh = helloCh
	m.mu.Unlock()

	if err := m.publish(m.publishTopic, clientHello("mqtt")); err != nil {
		return err
	}

	select {
	case opened := <-helloCh:
		m.mu.Lock()
		m.opened = true
		m.sessionID = opened.SessionID
		m.mu.Unlock()
		m.emit(opened)
		return nil
	case <-time.After(helloTimeout):
		m.emit(NetworkErrorEvent{Message: "server timeout"})
		return ErrHelloTimeout
	}
}

func (m *MQTTProtocol) connect() error {
	m.mu.Lock()
	if m.client != nil && m.client.IsConnected() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(m.brokerURI()).
		SetClientID(m.clientIDPrefix).
		SetUsername(m.username).
		SetPassword(m.password).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", "error", err)
			m.mu.Lock()
			wasOpen := m.opened
			m.opened = false
			m.mu.Unlock()
			if wasOpen {
				m.emit(ChannelClosedEvent{})
			}
			m.emit(NetworkErrorEvent{Message: "server disconnected"})
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return util.WrapError("connect to mqtt broker", token.Error())
	}

	control := func(_ mqtt.Client, msg mqtt.Message) {
		m.handleControl(msg.Payload())
	}
	audio := func(_ mqtt.Client, msg mqtt.Message) {
		pkt, err := DecodeAudioFrame(msg.Payload())
		if err != nil {
			slog.Warn("discarding malformed audio frame", "error", err)
			return
		}
		m.emit(AudioEvent{Packet: pkt})
	}
	if token := client.Subscribe(m.subscribeTopic, 0, control); token.Wait() && token.Error() != nil {
		client.Disconnect(uint(mqttDisconnectQuiesce.Milliseconds()))
		return util.WrapError("subscribe control topic", token.Error())
	}
	if token := client.Subscribe(audioTopic(m.subscribeTopic), 0, audio); token.Wait() && token.Error() != nil {
		client.Disconnect(uint(mqttDisconnectQuiesce.Milliseconds()))
		return util.WrapError("subscribe audio topic", token.Error())
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

// CloseAudioChannel sends a goodbye and marks the channel closed. The
// broker connection stays up for the next open.
func (m *MQTTProtocol) CloseAudioChannel() {
	m.mu.Lock()
	wasOpen := m.opened
	sessionID := m.sessionID
	m.opened = false
	m.mu.Unlock()

	if !wasOpen {
		return
	}
	goodbye, _ := json.Marshal(map[string]any{"session_id": sessionID, "type": "goodbye"})
	if err := m.publish(m.publishTopic, goodbye); err != nil {
		slog.Warn("failed to send goodbye", "error", err)
	}
	m.emit(ChannelClosedEvent{})
}

// Close tears down the broker connection.
func (m *MQTTProtocol) Close() error {
	m.CloseAudioChannel()
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.Disconnect(uint(mqttDisconnectQuiesce.Milliseconds()))
	}
	return nil
}

// SendAudio ships one compressed capture frame on the audio topic.
func (m *MQTTProtocol) SendAudio(pkt types.EncodedPacket) error {
	if !m.IsAudioChannelOpened() {
		return ErrChannelClosed
	}
	return m.publish(audioTopic(m.publishTopic), EncodeAudioFrame(pkt))
}

// SendStartListening opens a listening session in the given mode.
func (m *MQTTProtocol) SendStartListening(mode types.ListeningMode) error {
	return m.publish(m.publishTopic,
		listenMessage(m.SessionID(), "start", map[string]string{"mode": string(mode)}))
}

// SendStopListening ends the listening session.
func (m *MQTTProtocol) SendStopListening() error {
	return m.publish(m.publishTopic, listenMessage(m.SessionID(), "stop", nil))
}

// SendAbortSpeaking asks the server to stop the current speech.
func (m *MQTTProtocol) SendAbortSpeaking(reason types.AbortReason) error {
	return m.publish(m.publishTopic, abortMessage(m.SessionID(), reason))
}

// SendWakeWordDetected reports a locally detected wake phrase.
func (m *MQTTProtocol) SendWakeWordDetected(phrase string) error {
	return m.publish(m.publishTopic,
		listenMessage(m.SessionID(), "detect", map[string]string{"text": phrase}))
}

func (m *MQTTProtocol) publish(topic string, payload []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrChannelClosed
	}
	if token := client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		return util.WrapError("publish message", token.Error())
	}
	return nil
}

func (m *MQTTProtocol) emit(ev Event) {
	if m.sink != nil {
		m.sink(ev)
	}
}

func (m *MQTTProtocol) handleControl(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		slog.Warn("discarding unparseable control message", "error", err)
		return
	}
	if probe.Type == "hello" {
		m.handleHello(data)
		return
	}
	dispatchControl(data, m.emit)
}

func (m *MQTTProtocol) handleHello(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("discarding unparseable hello", "error", err)
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

	m.mu.Lock()
	helloCh := m.helloCh
	m.mu.Unlock()
	if helloCh != nil {
		select {
		case helloCh <- opened:
		default:
		}
	}
}

// audioTopic derives the binary-frame topic from a control topic.
func audioTopic(topic string) string {
	return topic + "/audio"
}
