// Package board provides the host-side implementations of the hardware
// collaborator interfaces: a file-backed dual-slot firmware store, the
// device identity, the adjustable clock, and a loopback audio codec for
// hosts without one.
package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/voxhome/voxd/internal/ota"
	"github.com/voxhome/voxd/internal/util"
)

// Slot file names inside the flash directory.
const (
	slotA          = "slot_a"
	slotB          = "slot_b"
	bootMarkerFile = "boot.json"
	slotSuffix     = ".img"
	tmpSuffix      = ".img.tmp"
)

// bootMarker is the persisted boot selection. Its absence means the device
// runs the built-in factory image.
type bootMarker struct {
	Boot  string         `json:"boot"`
	State ota.ImageState `json:"state"`
}

// FlashStore is a file-backed dual-slot firmware store. An upgrade streams
// into the inactive slot's temporary file; Commit validates the image and
// atomically renames it into place before switching the boot marker, so a
// torn write can never become the boot image.
type FlashStore struct {
	dir string

	mu     sync.Mutex
	marker *bootMarker // nil means factory
}

// NewFlashStore opens (or initializes) the flash directory.
func NewFlashStore(dir string) (*FlashStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, util.WrapError("create flash directory", err)
	}

	fs := &FlashStore{dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, bootMarkerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, util.WrapError("read boot marker", err)
	}

	var marker bootMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, util.WrapError("parse boot marker", err)
	}
	fs.marker = &marker
	return fs, nil
}

// RunningLabel returns the booted slot label, or the factory label when no
// upgrade has ever committed.
func (f *FlashStore) RunningLabel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marker == nil {
		return ota.FactoryLabel
	}
	return f.marker.Boot
}

// RunningState returns the rollback state of the running slot.
func (f *FlashStore) RunningState() (ota.ImageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marker == nil {
		return ota.ImageValid, nil
	}
	return f.marker.State, nil
}

// MarkValid confirms the running slot, cancelling a pending rollback.
func (f *FlashStore) MarkValid() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marker == nil {
		return nil
	}
	updated := *f.marker
	updated.State = ota.ImageValid
	if err := f.writeMarkerLocked(&updated); err != nil {
		return err
	}
	f.marker = &updated
	return nil
}

// Begin opens the inactive slot for a sequential image write.
func (f *FlashStore) Begin() (ota.PartitionWriter, error) {
	label := f.inactiveLabel()
	tmp := filepath.Join(f.dir, label+tmpSuffix)
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, util.WrapError("open update slot", err)
	}
	return &slotWriter{store: f, label: label, tmp: tmp, file: file}, nil
}

func (f *FlashStore) inactiveLabel() string {
	if f.RunningLabel() == slotA {
		return slotB
	}
	return slotA
}

// writeMarkerLocked persists the boot marker atomically.
func (f *FlashStore) writeMarkerLocked(marker *bootMarker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return util.WrapError("encode boot marker", err)
	}
	path := filepath.Join(f.dir, bootMarkerFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return util.WrapError("write boot marker", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return util.WrapError("replace boot marker", err)
	}
	return nil
}

// SlotPath returns the image path of a slot label, for tests and tooling.
func (f *FlashStore) SlotPath(label string) string {
	return filepath.Join(f.dir, label+slotSuffix)
}

// slotWriter streams an image into a slot's temporary file.
type slotWriter struct {
	store *FlashStore
	label string
	tmp   string
	file  *os.File
	done  bool
}

// Write appends bytes to the temporary image file.
func (w *slotWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("write after commit or abort")
	}
	return w.file.Write(p)
}

// Abort discards the temporary file; the boot slot is untouched.
func (w *slotWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	if err := os.Remove(w.tmp); err != nil && !os.IsNotExist(err) {
		return util.WrapError("remove aborted image", err)
	}
	return nil
}

// Commit validates the written image, renames it into the slot, and
// switches the boot marker to pending-verify. Validation failure discards
// the write and leaves the boot slot unchanged.
func (w *slotWriter) Commit() error {
	if w.done {
		return fmt.Errorf("commit after commit or abort")
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.tmp)
		return util.WrapError("sync image file", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmp)
		return util.WrapError("close image file", err)
	}

	data, err := os.ReadFile(w.tmp)
	if err != nil {
		_ = os.Remove(w.tmp)
		return util.WrapError("read back image", err)
	}
	if err := ota.ValidateImage(data); err != nil {
		_ = os.Remove(w.tmp)
		return util.WrapError("validate image", err)
	}

	final := w.store.SlotPath(w.label)
	if err := os.Rename(w.tmp, final); err != nil {
		_ = os.Remove(w.tmp)
		return util.WrapError("install image", err)
	}

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	marker := &bootMarker{Boot: w.label, State: ota.ImagePendingVerify}
	if err := w.store.writeMarkerLocked(marker); err != nil {
		return err
	}
	w.store.marker = marker
	return nil
}
