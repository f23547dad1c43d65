package board

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/voxhome/voxd/internal/ota"
	"github.com/voxhome/voxd/internal/util"
)

const identityFile = "identity.json"

// identityRecord is the persisted device identity. The HMAC key and UUID
// are generated on first run; the serial number is provisioned once and
// never changes.
type identityRecord struct {
	DeviceID     string `json:"device_id"`
	ClientUUID   string `json:"client_uuid"`
	HMACKey      string `json:"hmac_key"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// Identity implements the provisioning identity: a MAC-style device ID, a
// software instance UUID, a per-device signing key, and an optional
// write-once hardware serial.
type Identity struct {
	path       string
	boardName  string
	appVersion string
	language   string

	mu     sync.Mutex
	record identityRecord
	key    []byte
}

// LoadIdentity reads the identity file in dir, creating and persisting a
// fresh identity on first run.
func LoadIdentity(dir, boardName, appVersion, language string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, util.WrapError("create identity directory", err)
	}

	id := &Identity{
		path:       filepath.Join(dir, identityFile),
		boardName:  boardName,
		appVersion: appVersion,
		language:   language,
	}

	data, err := os.ReadFile(id.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &id.record); err != nil {
			return nil, util.WrapError("parse identity file", err)
		}
	case os.IsNotExist(err):
		if err := id.generate(); err != nil {
			return nil, err
		}
	default:
		return nil, util.WrapError("read identity file", err)
	}

	id.key, err = hex.DecodeString(id.record.HMACKey)
	if err != nil {
		return nil, util.WrapError("decode signing key", err)
	}
	return id, nil
}

// generate creates a fresh identity and persists it.
func (id *Identity) generate() error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return util.WrapError("generate signing key", err)
	}
	id.record = identityRecord{
		DeviceID:   hardwareAddress(),
		ClientUUID: uuid.NewString(),
		HMACKey:    hex.EncodeToString(key),
	}
	return id.save()
}

func (id *Identity) save() error {
	data, err := json.MarshalIndent(&id.record, "", "  ")
	if err != nil {
		return util.WrapError("encode identity", err)
	}
	tmp := id.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return util.WrapError("write identity file", err)
	}
	if err := os.Rename(tmp, id.path); err != nil {
		return util.WrapError("replace identity file", err)
	}
	return nil
}

// DeviceID returns the MAC-style hardware identifier.
func (id *Identity) DeviceID() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.record.DeviceID
}

// ClientUUID returns the software instance UUID.
func (id *Identity) ClientUUID() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.record.ClientUUID
}

// BoardName names the hardware variant.
func (id *Identity) BoardName() string { return id.boardName }

// SerialNumber returns the provisioned serial; ok is false when the device
// has none, which is valid for pre-serial hardware.
func (id *Identity) SerialNumber() (string, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.record.SerialNumber, id.record.SerialNumber != ""
}

// ProvisionSerial records the hardware serial. It can be set exactly once.
func (id *Identity) ProvisionSerial(serial string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.record.SerialNumber != "" {
		return fmt.Errorf("serial number already provisioned")
	}
	id.record.SerialNumber = serial
	return id.save()
}

// Sign computes the HMAC-SHA256 of data with the device key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if len(id.key) == 0 {
		return nil, fmt.Errorf("no signing key provisioned")
	}
	return ota.Sign(id.key, data), nil
}

// DescriptorJSON builds the device descriptor sent as the version-check
// body.
func (id *Identity) DescriptorJSON() string {
	id.mu.Lock()
	defer id.mu.Unlock()

	descriptor := map[string]any{
		"version":     2,
		"language":    id.language,
		"mac_address": id.record.DeviceID,
		"uuid":        id.record.ClientUUID,
		"application": map[string]any{
			"version": id.appVersion,
		},
		"board": map[string]any{
			"type": id.boardName,
			"name": id.boardName,
		},
	}
	data, err := json.Marshal(descriptor)
	if err != nil {
		return ""
	}
	return string(data)
}

// hardwareAddress picks the first physical interface MAC, falling back to
// a random locally-administered address.
func hardwareAddress() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return iface.HardwareAddr.String()
		}
	}

	addr := make([]byte, 6)
	_, _ = rand.Read(addr)
	addr[0] = (addr[0] | 0x02) &^ 0x01 // locally administered, unicast
	return net.HardwareAddr(addr).String()
}
