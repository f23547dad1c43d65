package ota

// ImageState is the rollback state of a boot partition.
type ImageState string

const (
	// ImageValid means the partition has been confirmed bootable.
	ImageValid ImageState = "valid"
	// ImagePendingVerify means the partition booted once and awaits
	// confirmation; an unconfirmed image rolls back on the next boot.
	ImagePendingVerify ImageState = "pending_verify"
)

// FactoryLabel names the factory/default partition, which never carries
// rollback state.
const FactoryLabel = "factory"

// PartitionWriter is a sequential writer onto the inactive partition. The
// OTA engine owns it exclusively for the duration of one upgrade.
type PartitionWriter interface {
	// Write appends bytes in order; there is no seeking or reordering.
	Write(p []byte) (int, error)
	// Abort discards everything written and releases the partition,
	// leaving the previous boot partition untouched.
	Abort() error
	// Commit validates the written image and atomically switches the boot
	// partition to it. On validation failure the write is discarded and
	// the boot partition is unchanged.
	Commit() error
}

// Flash is the dual-partition firmware store the upgrade writes into.
type Flash interface {
	// RunningLabel returns the label of the currently booted partition.
	RunningLabel() string
	// RunningState returns the rollback state of the running partition.
	RunningState() (ImageState, error)
	// MarkValid confirms the running partition, cancelling a pending
	// rollback.
	MarkValid() error
	// Begin opens the inactive partition for a sequential image write.
	Begin() (PartitionWriter, error)
}

// Rebooter restarts the device. Injected so the engine never calls
// process-exit primitives directly.
type Rebooter interface {
	Reboot()
}

// Clock applies server-supplied wall-clock time to the device.
type Clock interface {
	// SetServerTime applies an absolute timestamp (ms since epoch) plus a
	// timezone offset in minutes.
	SetServerTime(epochMs int64, tzOffsetMin int)
}
