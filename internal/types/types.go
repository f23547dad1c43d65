// Package types provides shared type definitions used across the runtime.
package types

import "time"

// DeviceState represents the device-wide state. It is mutated only by the
// event reactor; all other components read the latest committed value.
type DeviceState string

const (
	// StateUnknown is the zero state before startup begins.
	StateUnknown DeviceState = "unknown"
	// StateStarting indicates the runtime is initializing.
	StateStarting DeviceState = "starting"
	// StateWifiConfiguring indicates the device is waiting for network provisioning.
	StateWifiConfiguring DeviceState = "wifi_configuring"
	// StateConnecting indicates the audio channel is being opened.
	StateConnecting DeviceState = "connecting"
	// StateIdle indicates the device is ready and waiting.
	StateIdle DeviceState = "idle"
	// StateListening indicates the device is capturing user speech.
	StateListening DeviceState = "listening"
	// StateSpeaking indicates the device is rendering server audio.
	StateSpeaking DeviceState = "speaking"
	// StateUpgrading indicates a firmware upgrade is in progress.
	StateUpgrading DeviceState = "upgrading"
	// StateActivating indicates the device is completing provisioning.
	StateActivating DeviceState = "activating"
	// StateFatalError is terminal; only a manual reboot leaves it.
	StateFatalError DeviceState = "fatal_error"
)

// ListeningMode controls how a listening session ends.
type ListeningMode string

const (
	// ListeningAutoStop ends the session when the server detects silence.
	ListeningAutoStop ListeningMode = "auto"
	// ListeningManualStop keeps the session open until the user releases it.
	ListeningManualStop ListeningMode = "manual"
	// ListeningRealtime keeps capture running during playback for barge-in.
	ListeningRealtime ListeningMode = "realtime"
)

// AbortReason describes why a speaking session was aborted.
type AbortReason string

const (
	// AbortNone is a plain user-initiated abort.
	AbortNone AbortReason = "none"
	// AbortWakeWord indicates the wake word interrupted playback.
	AbortWakeWord AbortReason = "wake_word_detected"
	// AbortByUser indicates user speech interrupted playback (barge-in).
	AbortByUser AbortReason = "by_user"
)

// AudioFrame is a chunk of signed 16-bit PCM at a known format. Frames are
// moved between pipeline stages; the holding queue owns the sample slice.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	// Timestamp is milliseconds of capture order, a frame counter scaled
	// by frame duration rather than wall-clock time.
	Timestamp int64
}

// EncodedPacket is a compressed audio payload carrying its frame timestamp.
type EncodedPacket struct {
	Payload   []byte
	Timestamp int64
}

// Audio format constants for the encoder's working rate.
const (
	// EncodeSampleRate is the rate voice frames are encoded at.
	EncodeSampleRate = 16000
	// FrameDurationMs is the Opus frame duration in milliseconds.
	FrameDurationMs = 60
	// MaxPlaybackQueueMs bounds the playback queue; packets beyond this
	// backlog are dropped at the transport boundary.
	MaxPlaybackQueueMs = 600
)

// Upgrade and provisioning timing constants.
const (
	// ActivationTimeout is the default activation polling window.
	ActivationTimeout = 30 * time.Second
	// ActivationRetryAfterAccepted is the delay after an HTTP 202.
	ActivationRetryAfterAccepted = 3 * time.Second
	// ActivationRetryAfterFailure is the delay after a hard failure.
	ActivationRetryAfterFailure = 10 * time.Second
	// ActivationMaxAttempts bounds one provisioning round.
	ActivationMaxAttempts = 10
	// VersionCheckInitialDelay seeds the check retry backoff.
	VersionCheckInitialDelay = 10 * time.Second
	// VersionCheckMaxDelay caps the check retry backoff.
	VersionCheckMaxDelay = 160 * time.Second
	// VersionCheckMaxRetries bounds one check cycle.
	VersionCheckMaxRetries = 10
	// RebootGraceDelay is the pause between a committed upgrade and reboot.
	RebootGraceDelay = 3 * time.Second
	// IdleOutputTimeout disables the codec output after this much idle silence.
	IdleOutputTimeout = 10 * time.Second
)

// FirmwareManifest describes an available firmware image.
type FirmwareManifest struct {
	Version string
	URL     string
	Force   bool
}

// ActivationChallenge is server-issued provisioning data the device must
// sign and echo back.
type ActivationChallenge struct {
	Message   string
	Code      string
	Challenge string
	Timeout   time.Duration
}

// UpgradeProgress is reported at roughly 1 Hz during a firmware download.
type UpgradeProgress struct {
	Percent      int
	BytesPerSec  int64
	TotalBytes   int64
	WrittenBytes int64
}
