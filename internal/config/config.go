// Package config provides runtime configuration management.
//
// Configuration lives in a JSON file beside the binary. The mqtt and
// websocket sections are not normally hand-edited: the update server
// delivers them during a version check and the runtime persists them here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/voxhome/voxd/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultOTAURL         = "https://ota.voxhome.io/v1/"
	DefaultStateDir       = "state"
	DefaultOutputVolume   = 70
	DefaultWakeThreshold  = -35.0 // dBFS
	DefaultWakeHoldMs     = 300
	DefaultCaptureLogDays = 7
)

// validate is the shared validator instance for configuration checks.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	OTAURL   string `json:"ota_url" validate:"omitempty,url"` // Version check endpoint
	StateDir string `json:"state_dir"`                        // Directory for partitions, identity, boot marker
	Language string `json:"language"`                         // Accept-Language value for server requests
}

// AudioConfig holds audio settings the pipeline caches across restarts.
type AudioConfig struct {
	OutputVolume  int  `json:"output_volume" validate:"gte=0,lte=100"` // Codec output volume
	InputEnabled  bool `json:"input_enabled"`                          // Capture side enabled at startup
	OutputEnabled bool `json:"output_enabled"`                         // Playback side enabled at startup
}

// WakeConfig holds voice-activity gate settings.
type WakeConfig struct {
	Enabled     bool    `json:"enabled"`                                    // Gate feeds the pipeline when true
	ThresholdDB float64 `json:"threshold_db" validate:"omitempty,lte=0"`    // Speech energy threshold in dBFS
	HoldMs      int     `json:"hold_ms" validate:"omitempty,gte=0,lte=5000"` // Hang-over before not-speaking
}

// ServerConfig holds transport settings delivered by the update server.
// Keys are kept verbatim; the protocol layer knows which ones it needs.
type ServerConfig struct {
	MQTT      map[string]string `json:"mqtt,omitempty"`
	WebSocket map[string]string `json:"websocket,omitempty"`
}

// CaptureLogConfig holds session capture-log settings.
type CaptureLogConfig struct {
	Enabled         bool   `json:"enabled"`
	Dir             string `json:"dir"`                                          // Local directory for capture logs
	RetentionDays   int    `json:"retention_days" validate:"omitempty,gte=1"`    // Days to keep local files
	S3Endpoint      string `json:"s3_endpoint" validate:"omitempty,url"`         // S3-compatible endpoint URL
	S3Bucket        string `json:"s3_bucket"`                                    // Bucket name
	S3AccessKeyID   string `json:"s3_access_key_id"`                             // Access key ID
	S3SecretKey     string `json:"s3_secret_access_key"`                         // Secret access key
	S3Prefix        string `json:"s3_prefix" validate:"omitempty,max=256"`       // Key prefix
	UploadTimeoutMs int    `json:"upload_timeout_ms" validate:"omitempty,gte=0"` // Per-upload timeout
}

// Config holds all runtime configuration. It is safe for concurrent use.
type Config struct {
	System     SystemConfig     `json:"system"`
	Audio      AudioConfig      `json:"audio"`
	Wake       WakeConfig       `json:"wake"`
	Server     ServerConfig     `json:"server"`
	CaptureLog CaptureLogConfig `json:"capture_log"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		System: SystemConfig{
			OTAURL:   DefaultOTAURL,
			StateDir: DefaultStateDir,
			Language: "en-US",
		},
		Audio: AudioConfig{
			OutputVolume:  DefaultOutputVolume,
			InputEnabled:  true,
			OutputEnabled: true,
		},
		Wake: WakeConfig{
			Enabled:     true,
			ThresholdDB: DefaultWakeThreshold,
			HoldMs:      DefaultWakeHoldMs,
		},
		CaptureLog: CaptureLogConfig{
			RetentionDays: DefaultCaptureLogDays,
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return util.WrapError("read config", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.System.OTAURL == "" {
		c.System.OTAURL = DefaultOTAURL
	}
	if c.System.StateDir == "" {
		c.System.StateDir = DefaultStateDir
	}
	if c.System.Language == "" {
		c.System.Language = "en-US"
	}
	if c.Audio.OutputVolume == 0 {
		c.Audio.OutputVolume = DefaultOutputVolume
	}
	if c.Wake.ThresholdDB == 0 {
		c.Wake.ThresholdDB = DefaultWakeThreshold
	}
	if c.Wake.HoldMs == 0 {
		c.Wake.HoldMs = DefaultWakeHoldMs
	}
	if c.CaptureLog.RetentionDays == 0 {
		c.CaptureLog.RetentionDays = DefaultCaptureLogDays
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Getters ---

// OTAURL returns the configured version check endpoint.
func (c *Config) OTAURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.OTAURL
}

// StateDir returns the directory holding partitions and identity files.
func (c *Config) StateDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.StateDir
}

// OutputVolume returns the cached codec output volume.
func (c *Config) OutputVolume() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.OutputVolume
}

// MQTTConfig returns a copy of the persisted mqtt section, or nil.
func (c *Config) MQTTConfig() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMap(c.Server.MQTT)
}

// WebSocketConfig returns a copy of the persisted websocket section, or nil.
func (c *Config) WebSocketConfig() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMap(c.Server.WebSocket)
}

// HasMQTTConfig reports whether a non-empty mqtt section is persisted.
func (c *Config) HasMQTTConfig() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Server.MQTT) > 0
}

// HasWebSocketConfig reports whether a non-empty websocket section is persisted.
func (c *Config) HasWebSocketConfig() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Server.WebSocket) > 0
}

// --- Setters ---

// SetOutputVolume updates the cached output volume and saves.
func (c *Config) SetOutputVolume(volume int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.OutputVolume = volume
	return c.saveLocked()
}

// SetAudioEnabled updates the cached input/output enable flags and saves.
func (c *Config) SetAudioEnabled(input, output bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.InputEnabled = input
	c.Audio.OutputEnabled = output
	return c.saveLocked()
}

// SetMQTTConfig replaces the persisted mqtt section and saves. Values are
// written only when they differ, so a repeated version check is a no-op.
func (c *Config) SetMQTTConfig(values map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mapsEqual(c.Server.MQTT, values) {
		return nil
	}
	c.Server.MQTT = cloneMap(values)
	return c.saveLocked()
}

// SetWebSocketConfig replaces the persisted websocket section and saves.
func (c *Config) SetWebSocketConfig(values map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mapsEqual(c.Server.WebSocket, values) {
		return nil
	}
	c.Server.WebSocket = cloneMap(values)
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	OTAURL   string
	StateDir string
	Language string

	OutputVolume  int
	InputEnabled  bool
	OutputEnabled bool

	WakeEnabled     bool
	WakeThresholdDB float64
	WakeHoldMs      int

	MQTT      map[string]string
	WebSocket map[string]string

	CaptureLog CaptureLogConfig
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		OTAURL:   c.System.OTAURL,
		StateDir: c.System.StateDir,
		Language: c.System.Language,

		OutputVolume:  c.Audio.OutputVolume,
		InputEnabled:  c.Audio.InputEnabled,
		OutputEnabled: c.Audio.OutputEnabled,

		WakeEnabled:     c.Wake.Enabled,
		WakeThresholdDB: c.Wake.ThresholdDB,
		WakeHoldMs:      c.Wake.HoldMs,

		MQTT:      cloneMap(c.Server.MQTT),
		WebSocket: cloneMap(c.Server.WebSocket),

		CaptureLog: c.CaptureLog,
	}
}

// HasUpload reports whether capture-log upload is fully configured.
func (s *Snapshot) HasUpload() bool {
	cl := s.CaptureLog
	return cl.Enabled && cl.S3Bucket != "" && cl.S3AccessKeyID != "" && cl.S3SecretKey != ""
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
