package monocache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Default size for the buffer used when hashing files
const defaultBufferSize = 32 * 1024 // 32KB

// Seeds for the two xxHash64 lanes of the default digest.
const (
	lowLaneSeed  uint64 = 0x9e3779b97f4a7c15
	highLaneSeed uint64 = 0xc2b2ae3d27d4eb4f
)

// bufferPool is a pool of byte slices used for file I/O during hashing
var bufferPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, defaultBufferSize)
		return &buffer
	},
}

// xxh128 is a 128-bit hash.Hash made of two independently seeded xxHash64 lanes.
type xxh128 struct {
	low  *xxhash.Digest
	high *xxhash.Digest
}

// newXXH128 returns the default 128-bit content hash.
func newXXH128() hash.Hash {
	return &xxh128{
		low:  xxhash.NewWithSeed(lowLaneSeed),
		high: xxhash.NewWithSeed(highLaneSeed),
	}
}

func (x *xxh128) Write(p []byte) (int, error) {
	// xxhash.Digest.Write never returns an error
	x.low.Write(p)
	x.high.Write(p)
	return len(p), nil
}

func (x *xxh128) Sum(b []byte) []byte {
	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], x.high.Sum64())
	binary.BigEndian.PutUint64(out[8:], x.low.Sum64())
	return append(b, out[:]...)
}

func (x *xxh128) Reset() {
	x.low.ResetWithSeed(lowLaneSeed)
	x.high.ResetWithSeed(highLaneSeed)
}

func (x *xxh128) Size() int { return 16 }

func (x *xxh128) BlockSize() int { return 32 }

// hashFile hashes the content from a reader using the provided hash function.
func hashFile(content io.Reader, h hash.Hash) error {
	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	// Hash the file content
	_, err := io.CopyBuffer(h, content, buffer)
	if err != nil {
		return fmt.Errorf("failed to copy content: %w", err)
	}
	return nil
}

// hexDigest renders the current sum of h as lowercase hex.
func hexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// ctxReader fails reads once its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
