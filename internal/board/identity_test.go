package board

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadIdentity(dir, "test-board", "1.0.0", "en-US")
	require.NoError(t, err)
	assert.NotEmpty(t, first.DeviceID())
	assert.NotEmpty(t, first.ClientUUID())

	second, err := LoadIdentity(dir, "test-board", "1.0.0", "en-US")
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
	assert.Equal(t, first.ClientUUID(), second.ClientUUID())
}

func TestSerialNumberWriteOnce(t *testing.T) {
	id, err := LoadIdentity(t.TempDir(), "test-board", "1.0.0", "en-US")
	require.NoError(t, err)

	_, ok := id.SerialNumber()
	assert.False(t, ok, "fresh identity has no serial")

	require.NoError(t, id.ProvisionSerial("SN-0001"))
	serial, ok := id.SerialNumber()
	assert.True(t, ok)
	assert.Equal(t, "SN-0001", serial)

	assert.Error(t, id.ProvisionSerial("SN-0002"))
}

func TestSignIsDeterministic(t *testing.T) {
	id, err := LoadIdentity(t.TempDir(), "test-board", "1.0.0", "en-US")
	require.NoError(t, err)

	a, err := id.Sign([]byte("challenge"))
	require.NoError(t, err)
	b, err := id.Sign([]byte("challenge"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestDescriptorJSON(t *testing.T) {
	id, err := LoadIdentity(t.TempDir(), "test-board", "1.4.2", "nl-NL")
	require.NoError(t, err)

	var descriptor struct {
		Version     int    `json:"version"`
		Language    string `json:"language"`
		MACAddress  string `json:"mac_address"`
		UUID        string `json:"uuid"`
		Application struct {
			Version string `json:"version"`
		} `json:"application"`
		Board struct {
			Type string `json:"type"`
		} `json:"board"`
	}
	require.NoError(t, json.Unmarshal([]byte(id.DescriptorJSON()), &descriptor))

	assert.Equal(t, 2, descriptor.Version)
	assert.Equal(t, "nl-NL", descriptor.Language)
	assert.Equal(t, id.DeviceID(), descriptor.MACAddress)
	assert.Equal(t, id.ClientUUID(), descriptor.UUID)
	assert.Equal(t, "1.4.2", descriptor.Application.Version)
	assert.Equal(t, "test-board", descriptor.Board.Type)
}

func TestSystemClockSync(t *testing.T) {
	clock := NewSystemClock()
	assert.False(t, clock.Synced())

	serverNow := time.Now().Add(90 * time.Minute)
	clock.SetServerTime(serverNow.UnixMilli(), 120)
	assert.True(t, clock.Synced())

	got := clock.Now()
	assert.WithinDuration(t, serverNow, got, 2*time.Second)
	_, offset := got.Zone()
	assert.Equal(t, 120*60, offset)
}
