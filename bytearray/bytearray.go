// Package bytearray implements the chunked read/write buffer described in
// SPEC_FULL.md §13, grounded on the original tihi::ByteArray
// (bytearray.h/.cc): a linked list of fixed-size chunks with a read
// cursor and a write cursor, used as the wire-format buffer for
// package stream and package socket's scatter/gather I/O.
package bytearray

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/yrf105/tihi-server/internal/invariant"
)

// DefaultChunkSize is the original's base_size_ default (4096 bytes).
const DefaultChunkSize = 4096

// node is one fixed-size chunk in the buffer's backing list, the
// original's ByteArray::Node.
type node struct {
	data []byte
	next *node
}

// ByteArray is a growable byte buffer stored as a linked list of
// chunkSize chunks, with independent read and write cursors so it can be
// used both as an accumulating write buffer and, without copying, as the
// source of a scatter/gather read.
type ByteArray struct {
	chunkSize int
	size      int // total bytes written
	readPos   int // read cursor, 0 <= readPos <= size
	writePos  int // write cursor, equals size (kept separately to mirror the original's curr_pos_/size_ split during random-access Read/Write)

	root *node
	tail *node

	bigEndian bool
}

// New creates an empty ByteArray chunked in chunkSize-byte nodes. A
// chunkSize <= 0 uses DefaultChunkSize.
func New(chunkSize int) *ByteArray {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	root := &node{data: make([]byte, chunkSize)}
	return &ByteArray{chunkSize: chunkSize, root: root, tail: root, bigEndian: true}
}

// SetBigEndian selects the wire endianness used by the fixed-width integer,
// float and fixed-length-prefixed string accessors; the varint encodings
// are not affected. Defaults to big-endian (network byte order).
func (b *ByteArray) SetBigEndian(v bool) { b.bigEndian = v }

// BigEndian reports the current wire endianness.
func (b *ByteArray) BigEndian() bool { return b.bigEndian }

func (b *ByteArray) order() binary.ByteOrder {
	if b.bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Size returns the total number of bytes written.
func (b *ByteArray) Size() int { return b.size }

// ReadableBytes returns the number of unread bytes.
func (b *ByteArray) ReadableBytes() int { return b.size - b.readPos }

// Position returns the current read cursor.
func (b *ByteArray) Position() int { return b.readPos }

// SetPosition rewinds or advances the read cursor; it must remain within
// [0, Size()].
func (b *ByteArray) SetPosition(pos int) {
	if pos < 0 || pos > b.size {
		invariant.Violation("bytearray: SetPosition(%d) out of range [0,%d]", pos, b.size)
	}
	b.readPos = pos
}

// Clear resets the buffer to empty, reusing its first chunk.
func (b *ByteArray) Clear() {
	b.size = 0
	b.readPos = 0
	b.writePos = 0
	b.root.next = nil
	b.tail = b.root
}

// ensureCapacity grows the chunk list so that at least n more bytes can
// be written after writePos, the original's addCapacity.
func (b *ByteArray) ensureCapacity(n int) {
	cur := b.tail
	pos := b.writePos % b.chunkSize
	avail := len(cur.data) - pos
	for avail < n {
		nn := &node{data: make([]byte, b.chunkSize)}
		cur.next = nn
		cur = nn
		b.tail = nn
		avail += b.chunkSize
	}
}

// Write appends p to the buffer, growing the chunk list as needed.
func (b *ByteArray) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.ensureCapacity(len(p))

	written := 0
	for written < len(p) {
		chunkOff := b.writePos % b.chunkSize
		chunkIdx := b.writePos / b.chunkSize
		n := b.nodeAt(chunkIdx)
		room := b.chunkSize - chunkOff
		toCopy := len(p) - written
		if toCopy > room {
			toCopy = room
		}
		copy(n.data[chunkOff:], p[written:written+toCopy])
		written += toCopy
		b.writePos += toCopy
	}
	if b.writePos > b.size {
		b.size = b.writePos
	}
}

// nodeAt walks to the idx'th chunk from root, extending the list with
// fresh chunks if it isn't long enough yet (ensureCapacity should have
// already done this for writes, but Read relies on it too after a
// SetPosition rewind into already-allocated territory).
func (b *ByteArray) nodeAt(idx int) *node {
	n := b.root
	for i := 0; i < idx; i++ {
		if n.next == nil {
			n.next = &node{data: make([]byte, b.chunkSize)}
			if n == b.tail {
				b.tail = n.next
			}
		}
		n = n.next
	}
	return n
}

// Read copies up to len(p) unread bytes into p, advancing the read
// cursor, and returns the number of bytes copied.
func (b *ByteArray) Read(p []byte) int {
	avail := b.ReadableBytes()
	n := len(p)
	if n > avail {
		n = avail
	}
	read := 0
	for read < n {
		chunkOff := b.readPos % b.chunkSize
		chunkIdx := b.readPos / b.chunkSize
		nd := b.nodeAt(chunkIdx)
		room := b.chunkSize - chunkOff
		toCopy := n - read
		if toCopy > room {
			toCopy = room
		}
		copy(p[read:read+toCopy], nd.data[chunkOff:chunkOff+toCopy])
		read += toCopy
		b.readPos += toCopy
	}
	return read
}

// mustRead reads exactly n bytes or panics via invariant.Violation, used
// by the fixed-width decoders which require the bytes to be present.
func (b *ByteArray) mustRead(n int) []byte {
	if b.ReadableBytes() < n {
		invariant.Violation("bytearray: short read, need %d have %d", n, b.ReadableBytes())
	}
	buf := make([]byte, n)
	b.Read(buf)
	return buf
}

// Fixed-width writers, the original's writeFintN/writeFuintN family.

func (b *ByteArray) WriteFixedInt8(v int8)    { b.Write([]byte{byte(v)}) }
func (b *ByteArray) WriteFixedUint8(v uint8)  { b.Write([]byte{v}) }

func (b *ByteArray) WriteFixedInt16(v int16)   { b.writeFixed16(uint16(v)) }
func (b *ByteArray) WriteFixedUint16(v uint16) { b.writeFixed16(v) }

func (b *ByteArray) WriteFixedInt32(v int32)   { b.writeFixed32(uint32(v)) }
func (b *ByteArray) WriteFixedUint32(v uint32) { b.writeFixed32(v) }

func (b *ByteArray) WriteFixedInt64(v int64)   { b.writeFixed64(uint64(v)) }
func (b *ByteArray) WriteFixedUint64(v uint64) { b.writeFixed64(v) }

func (b *ByteArray) WriteFloat(v float32) { b.writeFixed32(math.Float32bits(v)) }
func (b *ByteArray) WriteDouble(v float64) { b.writeFixed64(math.Float64bits(v)) }

func (b *ByteArray) writeFixed16(v uint16) {
	var buf [2]byte
	b.order().PutUint16(buf[:], v)
	b.Write(buf[:])
}
func (b *ByteArray) writeFixed32(v uint32) {
	var buf [4]byte
	b.order().PutUint32(buf[:], v)
	b.Write(buf[:])
}
func (b *ByteArray) writeFixed64(v uint64) {
	var buf [8]byte
	b.order().PutUint64(buf[:], v)
	b.Write(buf[:])
}

// Fixed-width readers.

func (b *ByteArray) ReadFixedInt8() int8   { return int8(b.mustRead(1)[0]) }
func (b *ByteArray) ReadFixedUint8() uint8 { return b.mustRead(1)[0] }

func (b *ByteArray) ReadFixedInt16() int16   { return int16(b.readFixed16()) }
func (b *ByteArray) ReadFixedUint16() uint16 { return b.readFixed16() }

func (b *ByteArray) ReadFixedInt32() int32   { return int32(b.readFixed32()) }
func (b *ByteArray) ReadFixedUint32() uint32 { return b.readFixed32() }

func (b *ByteArray) ReadFixedInt64() int64   { return int64(b.readFixed64()) }
func (b *ByteArray) ReadFixedUint64() uint64 { return b.readFixed64() }

func (b *ByteArray) ReadFloat() float32  { return math.Float32frombits(b.readFixed32()) }
func (b *ByteArray) ReadDouble() float64 { return math.Float64frombits(b.readFixed64()) }

func (b *ByteArray) readFixed16() uint16 { return b.order().Uint16(b.mustRead(2)) }
func (b *ByteArray) readFixed32() uint32 { return b.order().Uint32(b.mustRead(4)) }
func (b *ByteArray) readFixed64() uint64 { return b.order().Uint64(b.mustRead(8)) }

// WriteVarint/WriteUvarint write zig-zag/LEB128-encoded integers, the
// original's writeInt32/writeUint32/writeInt64/writeUint64.
func (b *ByteArray) WriteUvarint(v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	b.Write(buf[:n])
}

func (b *ByteArray) WriteVarint(v int64) {
	b.WriteUvarint(encodeZigZag64(v))
}

func (b *ByteArray) ReadUvarint() uint64 {
	v, n := b.peekUvarint()
	if n == 0 {
		invariant.Violation("bytearray: ReadUvarint: malformed varint")
	}
	b.readPos += n
	return v
}

func (b *ByteArray) ReadVarint() int64 {
	return decodeZigZag64(b.ReadUvarint())
}

// peekUvarint decodes a varint starting at readPos without consuming it,
// returning the value and the number of bytes it occupies (0 if the
// readable region doesn't contain a complete varint).
func (b *ByteArray) peekUvarint() (uint64, int) {
	var buf [binary.MaxVarintLen64]byte
	n := b.ReadableBytes()
	if n > len(buf) {
		n = len(buf)
	}
	savedReadPos := b.readPos
	got := b.Read(buf[:n])
	b.readPos = savedReadPos
	v, sz := binary.Uvarint(buf[:got])
	if sz <= 0 {
		return 0, 0
	}
	return v, sz
}

func encodeZigZag64(v int64) uint64 { return uint64((v << 1) ^ (v >> 63)) }
func decodeZigZag64(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }

// String writers/readers with a length prefix, the original's
// writeStringF16/F32/F64/Vint family.

func (b *ByteArray) WriteStringF16(s string) {
	if len(s) > math.MaxUint16 {
		invariant.Violation("bytearray: WriteStringF16: string too long (%d bytes)", len(s))
	}
	b.WriteFixedUint16(uint16(len(s)))
	b.Write([]byte(s))
}

func (b *ByteArray) WriteStringF32(s string) {
	b.WriteFixedUint32(uint32(len(s)))
	b.Write([]byte(s))
}

func (b *ByteArray) WriteStringF64(s string) {
	b.WriteFixedUint64(uint64(len(s)))
	b.Write([]byte(s))
}

func (b *ByteArray) WriteStringVarint(s string) {
	b.WriteUvarint(uint64(len(s)))
	b.Write([]byte(s))
}

func (b *ByteArray) ReadStringF16() string { return string(b.mustRead(int(b.ReadFixedUint16()))) }
func (b *ByteArray) ReadStringF32() string { return string(b.mustRead(int(b.ReadFixedUint32()))) }
func (b *ByteArray) ReadStringF64() string { return string(b.mustRead(int(b.ReadFixedUint64()))) }
func (b *ByteArray) ReadStringVarint() string {
	return string(b.mustRead(int(b.ReadUvarint())))
}

// String returns the unread region as a Go string, without consuming it.
func (b *ByteArray) String() string {
	savedReadPos := b.readPos
	defer func() { b.readPos = savedReadPos }()
	buf := make([]byte, b.ReadableBytes())
	b.Read(buf)
	return string(buf)
}

// Bytes copies out the unread region without consuming it.
func (b *ByteArray) Bytes() []byte {
	savedReadPos := b.readPos
	defer func() { b.readPos = savedReadPos }()
	buf := make([]byte, b.ReadableBytes())
	b.Read(buf)
	return buf
}

// GatherReadBuffers returns up to maxLen bytes of the unread region (all
// of it if maxLen is negative) as unix.Iovec slices, without copying, for
// writev(2)-style scatter/gather writes (the original's getReadBuffers).
func (b *ByteArray) GatherReadBuffers(maxLen int) []unix.Iovec {
	if maxLen < 0 || maxLen > b.ReadableBytes() {
		maxLen = b.ReadableBytes()
	}
	var iovs []unix.Iovec
	remaining := maxLen
	pos := b.readPos
	for remaining > 0 {
		chunkOff := pos % b.chunkSize
		chunkIdx := pos / b.chunkSize
		nd := b.nodeAt(chunkIdx)
		room := b.chunkSize - chunkOff
		n := remaining
		if n > room {
			n = room
		}
		iovs = append(iovs, unix.Iovec{Base: &nd.data[chunkOff]})
		iovs[len(iovs)-1].SetLen(n)
		remaining -= n
		pos += n
	}
	return iovs
}

// ScatterWriteBuffers returns n bytes' worth of writable unix.Iovec
// slices starting at the write cursor, growing the chunk list first (the
// original's getWriteBuffers). Callers must follow a successful
// scatter-write with CommitWrite(nwritten) to advance size/writePos.
func (b *ByteArray) ScatterWriteBuffers(n int) []unix.Iovec {
	b.ensureCapacity(n)
	var iovs []unix.Iovec
	remaining := n
	pos := b.writePos
	for remaining > 0 {
		chunkOff := pos % b.chunkSize
		chunkIdx := pos / b.chunkSize
		nd := b.nodeAt(chunkIdx)
		room := b.chunkSize - chunkOff
		take := remaining
		if take > room {
			take = room
		}
		iovs = append(iovs, unix.Iovec{Base: &nd.data[chunkOff]})
		iovs[len(iovs)-1].SetLen(take)
		remaining -= take
		pos += take
	}
	return iovs
}

// CommitWrite advances the write cursor and size after a successful
// scatter-write of n bytes into buffers obtained from ScatterWriteBuffers.
func (b *ByteArray) CommitWrite(n int) {
	b.writePos += n
	if b.writePos > b.size {
		b.size = b.writePos
	}
}

// GoString returns a short debug summary of the buffer's size and read
// cursor; it does not dump the contents.
func (b *ByteArray) GoString() string {
	return fmt.Sprintf("ByteArray{size=%d, readPos=%d}", b.size, b.readPos)
}
