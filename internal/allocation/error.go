package allocation

import (
	"errors"
)

var (
	// ErrDoubleFree is a logic error raised when a block that is already free
	// is freed again. Builds tagged govoldebug panic with it, other builds log
	// it and carry on.
	ErrDoubleFree = errors.New("block is already free")

	// ErrBlockRange is returned for block numbers outside of the allocatable
	// region (metadata blocks or beyond the end of the volume).
	ErrBlockRange = errors.New("block outside of allocatable range")

	// ErrBitmapSize is returned when a persisted bitmap is too short for the
	// amount of blocks it is supposed to describe.
	ErrBitmapSize = errors.New("bitmap too small for block count")
)
