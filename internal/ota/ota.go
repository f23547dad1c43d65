// Package ota implements the over-the-air update engine: version
// negotiation with the update server, device activation, and crash-safe
// streaming installation of firmware images.
package ota

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxhome/voxd/internal/types"
	"github.com/voxhome/voxd/internal/util"
)

// EngineState tracks where the engine is in one check-and-upgrade cycle.
type EngineState string

// Engine states.
const (
	EngineIdle               EngineState = "idle"
	EngineCheckingVersion    EngineState = "checking_version"
	EngineUpToDate           EngineState = "up_to_date"
	EngineAwaitingActivation EngineState = "awaiting_activation"
	EngineDownloading        EngineState = "downloading"
	EngineValidating         EngineState = "validating"
	EngineFlashing           EngineState = "flashing"
	EngineCommitted          EngineState = "committed"
	EngineFailed             EngineState = "failed"
)

// Identity supplies the device-provisioned facts the update server needs.
type Identity interface {
	// DeviceID is a MAC-style hardware identifier.
	DeviceID() string
	// ClientUUID is the software instance UUID.
	ClientUUID() string
	// BoardName names the hardware variant.
	BoardName() string
	// SerialNumber returns the write-once hardware serial; ok is false on
	// legacy devices without one.
	SerialNumber() (serial string, ok bool)
	// Sign computes the HMAC-SHA256 of data with the per-device secret.
	Sign(data []byte) ([]byte, error)
	// DescriptorJSON is the board descriptor sent as the check body; an
	// empty string turns the check into a GET.
	DescriptorJSON() string
}

// SettingsStore persists transport sections delivered by the check response.
type SettingsStore interface {
	SetMQTTConfig(map[string]string) error
	SetWebSocketConfig(map[string]string) error
}

// Engine performs version checks, activation, and firmware upgrades. It
// must not be invoked re-entrantly; one cycle owns the update partition
// exclusively.
type Engine struct {
	client         *http.Client
	checkURL       string
	currentVersion string
	language       string

	identity Identity
	settings SettingsStore
	clock    Clock
	flash    Flash
	rebooter Rebooter

	// gracePeriod is the pause between a committed upgrade and reboot.
	gracePeriod time.Duration

	mu      sync.Mutex
	state   EngineState
	headers map[string]string

	hasNewVersion bool
	manifest      types.FirmwareManifest

	hasActivationCode      bool
	hasActivationChallenge bool
	activation             types.ActivationChallenge

	hasMQTTConfig      bool
	hasWebSocketConfig bool
	hasServerTime      bool
}

// Options configures an Engine.
type Options struct {
	Client         *http.Client // nil uses http.DefaultClient
	CheckURL       string
	CurrentVersion string
	Language       string
	Identity       Identity
	Settings       SettingsStore
	Clock          Clock
	Flash          Flash
	Rebooter       Rebooter
	GracePeriod    time.Duration // zero uses types.RebootGraceDelay
}

// NewEngine returns an Engine in the idle state.
func NewEngine(opts Options) *Engine {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	grace := opts.GracePeriod
	if grace == 0 {
		grace = types.RebootGraceDelay
	}
	return &Engine{
		client:         client,
		checkURL:       opts.CheckURL,
		currentVersion: opts.CurrentVersion,
		language:       opts.Language,
		identity:       opts.Identity,
		settings:       opts.Settings,
		clock:          opts.Clock,
		flash:          opts.Flash,
		rebooter:       opts.Rebooter,
		gracePeriod:    grace,
		state:          EngineIdle,
		headers:        map[string]string{},
	}
}

// SetHeader adds a custom header sent with every server request.
func (e *Engine) SetHeader(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.headers[key] = value
}

// State returns the engine's current cycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// CurrentVersion returns the running firmware version.
func (e *Engine) CurrentVersion() string { return e.currentVersion }

// HasNewVersion reports whether the last check found an installable image.
func (e *Engine) HasNewVersion() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasNewVersion
}

// Manifest returns the firmware manifest from the last check.
func (e *Engine) Manifest() types.FirmwareManifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest
}

// HasActivationCode reports whether the server issued a user-visible code.
func (e *Engine) HasActivationCode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasActivationCode
}

// HasActivationChallenge reports whether an activation challenge is pending.
func (e *Engine) HasActivationChallenge() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasActivationChallenge
}

// Activation returns the pending activation challenge data.
func (e *Engine) Activation() types.ActivationChallenge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activation
}

// HasMQTTConfig reports whether the last check delivered an mqtt section.
func (e *Engine) HasMQTTConfig() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMQTTConfig
}

// HasWebSocketConfig reports whether the last check delivered a websocket section.
func (e *Engine) HasWebSocketConfig() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasWebSocketConfig
}

// HasServerTime reports whether the last check carried server time.
func (e *Engine) HasServerTime() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasServerTime
}

// checkResponse mirrors the update server's JSON body. Every section is
// optional; unknown fields are ignored.
type checkResponse struct {
	Activation *struct {
		Message   string `json:"message"`
		Code      string `json:"code"`
		Challenge string `json:"challenge"`
		TimeoutMs int64  `json:"timeout_ms"`
	} `json:"activation"`
	MQTT       map[string]any `json:"mqtt"`
	WebSocket  map[string]any `json:"websocket"`
	ServerTime *struct {
		Timestamp      int64 `json:"timestamp"`
		TimezoneOffset int   `json:"timezone_offset"`
	} `json:"server_time"`
	Firmware *struct {
		Version string `json:"version"`
		URL     string `json:"url"`
		Force   int    `json:"force"`
	} `json:"firmware"`
}

// newRequest builds a server request carrying the device headers.
func (e *Engine) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	e.mu.Unlock()

	activationVersion := "1"
	if _, ok := e.identity.SerialNumber(); ok {
		activationVersion = "2"
	}
	req.Header.Set("Activation-Version", activationVersion)
	req.Header.Set("Device-Id", e.identity.DeviceID())
	req.Header.Set("Client-Id", e.identity.ClientUUID())
	req.Header.Set("User-Agent", e.identity.BoardName()+"/"+e.currentVersion)
	req.Header.Set("Accept-Language", e.language)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CheckVersion performs one version check. The method is POST when a board
// descriptor body exists, GET otherwise. Each response section is handled
// independently; a missing section is not an error. It fails only on
// transport failure or unparseable JSON.
func (e *Engine) CheckVersion(ctx context.Context) error {
	if len(e.checkURL) < 10 {
		return fmt.Errorf("check version URL is not properly set: %q", e.checkURL)
	}

	e.setState(EngineCheckingVersion)
	slog.Info("checking firmware version", "current", e.currentVersion, "url", e.checkURL)

	body := []byte(e.identity.DescriptorJSON())
	method := http.MethodGet
	if len(body) > 0 {
		method = http.MethodPost
	}

	req, err := e.newRequest(ctx, method, e.checkURL, body)
	if err != nil {
		e.setState(EngineFailed)
		return util.WrapError("build check request", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.setState(EngineFailed)
		return util.WrapError("open check connection", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var parsed checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		e.setState(EngineFailed)
		return util.WrapError("parse check response", err)
	}

	e.applyActivation(parsed.Activation)
	e.applyTransportSections(&parsed)
	e.applyServerTime(parsed.ServerTime)
	e.applyFirmware(parsed.Firmware)

	e.mu.Lock()
	switch {
	case e.hasNewVersion:
		e.state = EngineDownloading // ready to download
	case e.hasActivationChallenge || e.hasActivationCode:
		e.state = EngineAwaitingActivation
	default:
		e.state = EngineUpToDate
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) applyActivation(section *struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Challenge string `json:"challenge"`
	TimeoutMs int64  `json:"timeout_ms"`
}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hasActivationCode = false
	e.hasActivationChallenge = false
	if section == nil {
		return
	}

	timeout := types.ActivationTimeout
	if section.TimeoutMs > 0 {
		timeout = time.Duration(section.TimeoutMs) * time.Millisecond
	}
	e.activation = types.ActivationChallenge{
		Message:   section.Message,
		Code:      section.Code,
		Challenge: section.Challenge,
		Timeout:   timeout,
	}
	e.hasActivationCode = section.Code != ""
	e.hasActivationChallenge = section.Challenge != ""
}

func (e *Engine) applyTransportSections(parsed *checkResponse) {
	mqtt := flattenSection(parsed.MQTT)
	ws := flattenSection(parsed.WebSocket)

	if mqtt != nil {
		if err := e.settings.SetMQTTConfig(mqtt); err != nil {
			slog.Warn("failed to persist mqtt config", "error", err)
		}
	} else {
		slog.Info("no mqtt section in check response")
	}
	if ws != nil {
		if err := e.settings.SetWebSocketConfig(ws); err != nil {
			slog.Warn("failed to persist websocket config", "error", err)
		}
	} else {
		slog.Info("no websocket section in check response")
	}

	e.mu.Lock()
	e.hasMQTTConfig = mqtt != nil
	e.hasWebSocketConfig = ws != nil
	e.mu.Unlock()
}

func (e *Engine) applyServerTime(section *struct {
	Timestamp      int64 `json:"timestamp"`
	TimezoneOffset int   `json:"timezone_offset"`
}) {
	e.mu.Lock()
	e.hasServerTime = false
	e.mu.Unlock()

	if section == nil || section.Timestamp == 0 {
		return
	}
	e.clock.SetServerTime(section.Timestamp, section.TimezoneOffset)
	e.mu.Lock()
	e.hasServerTime = true
	e.mu.Unlock()
}

func (e *Engine) applyFirmware(section *struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	Force   int    `json:"force"`
}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hasNewVersion = false
	if section == nil {
		slog.Info("no firmware section in check response")
		return
	}

	e.manifest = types.FirmwareManifest{
		Version: section.Version,
		URL:     section.URL,
		Force:   section.Force == 1,
	}
	if section.Version == "" || section.URL == "" {
		return
	}

	e.hasNewVersion = IsNewer(e.currentVersion, section.Version)
	if e.hasNewVersion {
		slog.Info("new firmware version available", "version", section.Version)
	} else {
		slog.Info("current firmware is the latest version")
	}
	if e.manifest.Force {
		e.hasNewVersion = true
	}
}

// flattenSection converts a flat JSON object into string key/values.
// Numbers are rendered without a fractional part when integral. Nested
// values are skipped. A nil section returns nil.
func flattenSection(section map[string]any) map[string]string {
	if section == nil {
		return nil
	}
	out := make(map[string]string, len(section))
	for k, v := range section {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			if val == float64(int64(val)) {
				out[k] = strconv.FormatInt(int64(val), 10)
			} else {
				out[k] = strconv.FormatFloat(val, 'f', -1, 64)
			}
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out
}

// activationPayload is the signed provisioning response.
type activationPayload struct {
	Algorithm    string `json:"algorithm"`
	SerialNumber string `json:"serial_number"`
	Challenge    string `json:"challenge"`
	HMAC         string `json:"hmac"`
}

// buildActivationPayload signs the pending challenge with the device
// secret. Devices without a hardware serial send an empty object.
func (e *Engine) buildActivationPayload() ([]byte, error) {
	serial, ok := e.identity.SerialNumber()
	if !ok {
		return []byte("{}"), nil
	}

	e.mu.Lock()
	challenge := e.activation.Challenge
	e.mu.Unlock()

	sig, err := e.identity.Sign([]byte(challenge))
	if err != nil {
		return nil, util.WrapError("sign activation challenge", err)
	}

	return json.Marshal(activationPayload{
		Algorithm:    "hmac-sha256",
		SerialNumber: serial,
		Challenge:    challenge,
		HMAC:         hex.EncodeToString(sig),
	})
}

// activateURL joins the check endpoint with the activate path segment.
func (e *Engine) activateURL() string {
	if strings.HasSuffix(e.checkURL, "/") {
		return e.checkURL + "activate"
	}
	return e.checkURL + "/activate"
}

// Activate posts the signed challenge response. It returns nil on success,
// types.ErrRetryLater when the server answered 202 (activation still
// pending user input), and an error on hard failure. It is only valid
// after a check delivered a challenge.
func (e *Engine) Activate(ctx context.Context) error {
	if !e.HasActivationChallenge() {
		return fmt.Errorf("no activation challenge received")
	}

	payload, err := e.buildActivationPayload()
	if err != nil {
		return err
	}

	req, err := e.newRequest(ctx, http.MethodPost, e.activateURL(), payload)
	if err != nil {
		return util.WrapError("build activation request", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return util.WrapError("open activation connection", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusAccepted:
		return types.ErrRetryLater
	case http.StatusOK:
		slog.Info("activation successful")
		return nil
	default:
		return fmt.Errorf("activation failed, status %d: %s", resp.StatusCode, string(body))
	}
}

// Sign computes the HMAC-SHA256 of data with key. Shared by identity
// implementations and tests.
func Sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// MarkCurrentVersionValid confirms the running image after a successful
// boot, cancelling a pending rollback. Running from the factory partition
// is a no-op.
func (e *Engine) MarkCurrentVersionValid() {
	label := e.flash.RunningLabel()
	if label == FactoryLabel {
		slog.Info("running from factory partition, skipping rollback confirm")
		return
	}

	state, err := e.flash.RunningState()
	if err != nil {
		slog.Error("failed to get partition state", "partition", label, "error", err)
		return
	}
	if state == ImagePendingVerify {
		slog.Info("marking firmware as valid", "partition", label)
		if err := e.flash.MarkValid(); err != nil {
			slog.Error("failed to mark firmware valid", "partition", label, "error", err)
		}
	}
}
