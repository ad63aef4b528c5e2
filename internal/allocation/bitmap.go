package allocation

import "math/bits"

const bitsPerByte = 8

// bitmap holds one bit per block; a set bit marks a free block.
type bitmap []byte

func newBitmap(blocks uint32) bitmap {
	return make(bitmap, BitmapBytes(blocks))
}

// BitmapBytes returns how many bytes a bitmap for the given blocks needs.
func BitmapBytes(blocks uint32) uint32 {
	return (blocks + bitsPerByte - 1) / bitsPerByte
}

func (bm bitmap) isFree(i uint32) bool {
	return bm[i/bitsPerByte]&(1<<(i%bitsPerByte)) != 0
}

func (bm bitmap) setFree(i uint32) {
	bm[i/bitsPerByte] |= 1 << (i % bitsPerByte)
}

func (bm bitmap) setUsed(i uint32) {
	bm[i/bitsPerByte] &^= 1 << (i % bitsPerByte)
}

// countFree counts the free bits below limit.
func (bm bitmap) countFree(limit uint32) uint32 {
	var n uint32

	full := limit / bitsPerByte
	for _, b := range bm[:full] {
		n += uint32(bits.OnesCount8(b))
	}

	for i := full * bitsPerByte; i < limit; i++ {
		if bm.isFree(i) {
			n++
		}
	}

	return n
}

// nextFree returns the first free bit in [from, to), skipping whole used
// bytes at a time.
func (bm bitmap) nextFree(from uint32, to uint32) (uint32, bool) {
	for i := from; i < to; {
		if i%bitsPerByte == 0 && bm[i/bitsPerByte] == 0 {
			i += bitsPerByte

			continue
		}

		if bm.isFree(i) {
			return i, true
		}
		i++
	}

	return 0, false
}
