// Package device implements the block devices a volume can be formatted on: a
// flat in-memory arena, an image file guarded by an advisory lock and an S3
// bucket holding one object per block.
package device

import (
	"fmt"

	"github.com/desertwitch/govol/internal/schema"
)

func checkGeometry(op string, blockSize uint32, blocks uint32) error {
	if blockSize == 0 || blocks == 0 {
		return fmt.Errorf("(device-%s) %w: block size %d, blocks %d", op, schema.ErrInvalidArgument, blockSize, blocks)
	}

	return nil
}

func checkRange(op string, id schema.BlockID, blocks uint32) error {
	if uint32(id) >= blocks {
		return fmt.Errorf("(device-%s) %w: block %d out of range (%d blocks)", op, schema.ErrIO, id, blocks)
	}

	return nil
}

func checkLength(op string, data []byte, blockSize uint32) error {
	if len(data) != int(blockSize) {
		return fmt.Errorf("(device-%s) %w: got %d bytes, block size is %d", op, schema.ErrInvalidArgument, len(data), blockSize)
	}

	return nil
}
