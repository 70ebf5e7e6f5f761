package sharedsession

import (
	"bytes"
	"sync"
)

// Pools shared by the gob codec and the record cache.
var (
	readerPool = sync.Pool{
		New: func() any { return bytes.NewReader(nil) },
	}

	bufferPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}

	// idBufferPool holds 16 bytes of entropy followed by its 32-byte hex form.
	idBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 48)
			return &b
		},
	}
)

// PutBuffer zeroes the buffer's contents before returning it to the pool so
// serialized session payloads do not linger in pooled memory.
func PutBuffer(buf *bytes.Buffer) {
	clear(buf.Bytes())
	buf.Reset()
	bufferPool.Put(buf)
}
