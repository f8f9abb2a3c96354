package atlas

import (
	"sync"

	"github.com/atlaskv/atlas-go/wire"
)

// Buffers grown past this are dropped instead of pooled so one large record
// does not pin memory forever.
const maxPooledBufferSize = 256 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		return wire.NewBuffer()
	},
}

func acquireBuffer() *wire.Buffer {
	return bufferPool.Get().(*wire.Buffer)
}

func releaseBuffer(buf *wire.Buffer) {
	if buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
