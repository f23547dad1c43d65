package ota

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhome/voxd/internal/types"
)

type fakeIdentity struct {
	serial string
	key    []byte
}

func (f *fakeIdentity) DeviceID() string   { return "aa:bb:cc:dd:ee:ff" }
func (f *fakeIdentity) ClientUUID() string { return "11111111-2222-3333-4444-555555555555" }
func (f *fakeIdentity) BoardName() string  { return "test-board" }
func (f *fakeIdentity) SerialNumber() (string, bool) {
	return f.serial, f.serial != ""
}
func (f *fakeIdentity) Sign(data []byte) ([]byte, error) {
	return Sign(f.key, data), nil
}
func (f *fakeIdentity) DescriptorJSON() string { return `{"version":2}` }

type fakeSettings struct {
	mqtt map[string]string
	ws   map[string]string
}

func (f *fakeSettings) SetMQTTConfig(v map[string]string) error {
	f.mqtt = v
	return nil
}
func (f *fakeSettings) SetWebSocketConfig(v map[string]string) error {
	f.ws = v
	return nil
}

type fakeClock struct {
	epochMs  int64
	tzOffset int
}

func (f *fakeClock) SetServerTime(epochMs int64, tzOffsetMin int) {
	f.epochMs = epochMs
	f.tzOffset = tzOffsetMin
}

type fakeFlash struct {
	label   string
	state   ImageState
	marked  bool
	writer  *fakeWriter
	beginOK bool
}

func (f *fakeFlash) RunningLabel() string              { return f.label }
func (f *fakeFlash) RunningState() (ImageState, error) { return f.state, nil }
func (f *fakeFlash) MarkValid() error {
	f.marked = true
	f.state = ImageValid
	return nil
}
func (f *fakeFlash) Begin() (PartitionWriter, error) {
	f.writer = &fakeWriter{}
	return f.writer, nil
}

type fakeWriter struct {
	data      []byte
	aborted   bool
	committed bool
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
func (w *fakeWriter) Abort() error {
	w.aborted = true
	return nil
}
func (w *fakeWriter) Commit() error {
	w.committed = true
	return nil
}

type fakeRebooter struct{ rebooted bool }

func (r *fakeRebooter) Reboot() { r.rebooted = true }

func newTestEngine(t *testing.T, url string) (*Engine, *fakeSettings, *fakeClock, *fakeFlash, *fakeRebooter) {
	t.Helper()
	settings := &fakeSettings{}
	clock := &fakeClock{}
	flash := &fakeFlash{label: "slot_a", state: ImageValid}
	rebooter := &fakeRebooter{}
	engine := NewEngine(Options{
		CheckURL:       url,
		CurrentVersion: "1.0.0",
		Language:       "en-US",
		Identity:       &fakeIdentity{serial: "SN-1234", key: []byte("secret")},
		Settings:       settings,
		Clock:          clock,
		Flash:          flash,
		Rebooter:       rebooter,
		GracePeriod:    1, // nanosecond, keep tests fast
	})
	return engine, settings, clock, flash, rebooter
}

func TestCheckVersionFullResponse(t *testing.T) {
	var gotHeaders http.Header
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotMethod = r.Method
		_, _ = io.WriteString(w, `{
			"firmware": {"version": "1.1.0", "url": "http://example.com/fw.bin", "force": 0},
			"mqtt": {"endpoint": "mqtt.example.com:8883", "port": 8883, "tls": true},
			"websocket": {"url": "wss://example.com/ws"},
			"server_time": {"timestamp": 1700000000000, "timezone_offset": 120},
			"extra_section": {"ignored": true}
		}`)
	}))
	defer srv.Close()

	engine, settings, clock, _, _ := newTestEngine(t, srv.URL)
	require.NoError(t, engine.CheckVersion(context.Background()))

	assert.Equal(t, http.MethodPost, gotMethod, "descriptor body forces POST")
	assert.Equal(t, "2", gotHeaders.Get("Activation-Version"))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", gotHeaders.Get("Device-Id"))
	assert.Equal(t, "test-board/1.0.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "en-US", gotHeaders.Get("Accept-Language"))

	assert.True(t, engine.HasNewVersion())
	assert.Equal(t, "1.1.0", engine.Manifest().Version)
	assert.Equal(t, EngineDownloading, engine.State())

	assert.True(t, engine.HasMQTTConfig())
	assert.Equal(t, "mqtt.example.com:8883", settings.mqtt["endpoint"])
	assert.Equal(t, "8883", settings.mqtt["port"], "numbers flatten to strings")
	assert.Equal(t, "true", settings.mqtt["tls"])
	assert.True(t, engine.HasWebSocketConfig())
	assert.Equal(t, "wss://example.com/ws", settings.ws["url"])

	assert.True(t, engine.HasServerTime())
	assert.Equal(t, int64(1700000000000), clock.epochMs)
	assert.Equal(t, 120, clock.tzOffset)
}

func TestCheckVersionMissingSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	engine, settings, clock, _, _ := newTestEngine(t, srv.URL)
	require.NoError(t, engine.CheckVersion(context.Background()))

	assert.False(t, engine.HasNewVersion())
	assert.False(t, engine.HasMQTTConfig())
	assert.False(t, engine.HasWebSocketConfig())
	assert.False(t, engine.HasServerTime())
	assert.Nil(t, settings.mqtt)
	assert.Zero(t, clock.epochMs)
	assert.Equal(t, EngineUpToDate, engine.State())
}

func TestCheckVersionForceFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"firmware": {"version": "1.0.0", "url": "http://example.com/fw.bin", "force": 1}}`)
	}))
	defer srv.Close()

	engine, _, _, _, _ := newTestEngine(t, srv.URL)
	require.NoError(t, engine.CheckVersion(context.Background()))
	assert.True(t, engine.HasNewVersion(), "force installs even the same version")
}

func TestCheckVersionActivationSection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"activation": {"message": "visit example.com", "code": "482913", "challenge": "abc123", "timeout_ms": 45000}}`)
	}))
	defer srv.Close()

	engine, _, _, _, _ := newTestEngine(t, srv.URL)
	require.NoError(t, engine.CheckVersion(context.Background()))

	assert.True(t, engine.HasActivationCode())
	assert.True(t, engine.HasActivationChallenge())
	activation := engine.Activation()
	assert.Equal(t, "482913", activation.Code)
	assert.Equal(t, "abc123", activation.Challenge)
	assert.Equal(t, EngineAwaitingActivation, engine.State())
}

func TestCheckVersionBadURL(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t, "short")
	assert.Error(t, engine.CheckVersion(context.Background()))
}

func TestActivate(t *testing.T) {
	var status int
	var gotPayload activationPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/activate" {
			_ = json.NewDecoder(r.Body).Decode(&gotPayload)
			w.WriteHeader(status)
			return
		}
		_, _ = io.WriteString(w, `{"activation": {"challenge": "challenge-xyz"}}`)
	}))
	defer srv.Close()

	engine, _, _, _, _ := newTestEngine(t, srv.URL)
	require.NoError(t, engine.CheckVersion(context.Background()))

	status = http.StatusAccepted
	assert.ErrorIs(t, engine.Activate(context.Background()), types.ErrRetryLater)

	status = http.StatusOK
	require.NoError(t, engine.Activate(context.Background()))
	assert.Equal(t, "hmac-sha256", gotPayload.Algorithm)
	assert.Equal(t, "SN-1234", gotPayload.SerialNumber)
	assert.Equal(t, "challenge-xyz", gotPayload.Challenge)
	wantMAC := hex.EncodeToString(Sign([]byte("secret"), []byte("challenge-xyz")))
	assert.Equal(t, wantMAC, gotPayload.HMAC)

	status = http.StatusForbidden
	err := engine.Activate(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrRetryLater)
}

func TestActivateWithoutChallenge(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t, "http://example.com/v1/")
	assert.Error(t, engine.Activate(context.Background()))
}

func TestMarkCurrentVersionValid(t *testing.T) {
	engine, _, _, flash, _ := newTestEngine(t, "http://example.com/v1/")

	flash.label = FactoryLabel
	flash.state = ImagePendingVerify
	engine.MarkCurrentVersionValid()
	assert.False(t, flash.marked, "factory partition never carries rollback state")

	flash.label = "slot_b"
	engine.MarkCurrentVersionValid()
	assert.True(t, flash.marked)

	flash.marked = false
	engine.MarkCurrentVersionValid()
	assert.False(t, flash.marked, "already-valid partition is left alone")
}
