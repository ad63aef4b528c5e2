package directory

import "errors"

var (
	// ErrBadRecord is returned when a directory block holds a record whose
	// lengths do not fit the block. It wraps into [schema.ErrCorrupt].
	ErrBadRecord = errors.New("malformed directory record")
)
