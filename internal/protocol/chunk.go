package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrChunkOutOfOrder means a chunk did not continue the transfer at
	// the expected offset.
	ErrChunkOutOfOrder = errors.New("chunk out of order")
	// ErrInterleavedTransfer means a second chunked transfer started on a
	// connection while another was still in flight.
	ErrInterleavedTransfer = errors.New("interleaved chunked transfer")
	// ErrTransferTooLarge means the announced total exceeds MaxTransferSize.
	ErrTransferTooLarge = errors.New("chunked transfer too large")
)

// MaxTransferSize bounds the total announced by a chunked transfer.
const MaxTransferSize = 256 << 20

// Chunk is one piece of a MAP or GAMESTATE transfer.
// Wire: [totalSize:4][offset:4][data...]
type Chunk struct {
	TotalSize uint32
	Offset    uint32
	Data      []byte
}

// Marshal frames the chunk under the given command.
func (c Chunk) Marshal(cmd Command) Packet {
	return NewPacketBuilder().
		WriteUint32(c.TotalSize).
		WriteUint32(c.Offset).
		WriteBytes(c.Data).
		Packet(cmd)
}

// UnmarshalChunk parses a chunk payload.
func UnmarshalChunk(payload []byte) (Chunk, error) {
	r := NewPacketReader(payload)
	c := Chunk{
		TotalSize: r.ReadUint32("total_size"),
		Offset:    r.ReadUint32("offset"),
	}
	c.Data = r.ReadRest()
	return c, r.Err()
}

// SplitChunks cuts data into chunks of at most size bytes. Empty data
// still yields one chunk so the receiver observes the transfer.
func SplitChunks(data []byte, size int) []Chunk {
	if size <= 0 {
		size = len(data)
	}
	total := uint32(len(data))
	if len(data) == 0 {
		return []Chunk{{TotalSize: 0, Offset: 0}}
	}

	chunks := make([]Chunk, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{TotalSize: total, Offset: uint32(off), Data: data[off:end]})
	}
	return chunks
}

// ChunkAssembler rebuilds one chunked transfer at a time. Chunks must
// arrive in order; a transfer that starts while another is in flight is
// rejected.
type ChunkAssembler struct {
	active  bool
	command Command
	total   uint32
	buf     []byte
}

// Add appends a chunk. When the transfer completes it returns the full body
// and done=true, and the assembler is ready for the next transfer. On error
// the in-flight transfer is abandoned.
func (a *ChunkAssembler) Add(cmd Command, c Chunk) (body []byte, done bool, err error) {
	if c.TotalSize > MaxTransferSize {
		a.Reset()
		return nil, false, fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, c.TotalSize)
	}

	if !a.active {
		if c.Offset != 0 {
			return nil, false, fmt.Errorf("%w: %s transfer starts at offset %d", ErrChunkOutOfOrder, cmd, c.Offset)
		}
		a.active = true
		a.command = cmd
		a.total = c.TotalSize
		capHint := c.TotalSize
		if capHint > 1<<20 {
			capHint = 1 << 20
		}
		a.buf = make([]byte, 0, capHint)
	} else {
		if cmd != a.command || c.Offset == 0 {
			inflight := a.command
			a.Reset()
			return nil, false, fmt.Errorf("%w: %s started while %s in flight", ErrInterleavedTransfer, cmd, inflight)
		}
		if c.TotalSize != a.total || c.Offset != uint32(len(a.buf)) {
			expected := len(a.buf)
			a.Reset()
			return nil, false, fmt.Errorf("%w: got offset %d, expected %d", ErrChunkOutOfOrder, c.Offset, expected)
		}
	}

	if uint64(len(a.buf))+uint64(len(c.Data)) > uint64(a.total) {
		a.Reset()
		return nil, false, fmt.Errorf("%w: chunk overruns announced size %d", ErrChunkOutOfOrder, c.TotalSize)
	}
	a.buf = append(a.buf, c.Data...)

	if uint32(len(a.buf)) == a.total {
		body = a.buf
		a.Reset()
		return body, true, nil
	}
	return nil, false, nil
}

// InProgress returns the command of the transfer in flight.
func (a *ChunkAssembler) InProgress() (Command, bool) {
	return a.command, a.active
}

// Progress returns received and total bytes of the transfer in flight.
func (a *ChunkAssembler) Progress() (received, total uint32) {
	return uint32(len(a.buf)), a.total
}

// Reset abandons any transfer in flight.
func (a *ChunkAssembler) Reset() {
	a.active = false
	a.command = 0
	a.total = 0
	a.buf = nil
}
