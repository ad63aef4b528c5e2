package schema

// Device is the block device abstraction the volume is built on. It is
// supplied by the hardware layer; implementations live in package device.
type Device interface {
	ReadBlock(id BlockID) ([]byte, error)
	WriteBlock(id BlockID, data []byte) error
	BlockCount() uint32
	BlockSize() uint32
}

// Claimer is implemented by devices that can enforce a single active mount.
// Claim fails with [ErrBusy] while another claim is held.
type Claimer interface {
	Claim() error
	Release() error
}

// Syncer is implemented by devices with a durable write barrier.
type Syncer interface {
	Sync() error
}
