package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedPayload wraps every payload decoding failure.
var ErrMalformedPayload = errors.New("malformed payload")

// PacketReader reads fields written by PacketBuilder. The first failure is
// sticky: later reads return zero values and Err reports the failure.
type PacketReader struct {
	r   *bytes.Reader
	err error
}

// NewPacketReader creates a reader over a payload.
func NewPacketReader(payload []byte) *PacketReader {
	return &PacketReader{r: bytes.NewReader(payload)}
}

func (pr *PacketReader) read(field string, v interface{}) {
	if pr.err != nil {
		return
	}
	if err := binary.Read(pr.r, binary.LittleEndian, v); err != nil {
		pr.err = fmt.Errorf("%w: failed to read %s: %v", ErrMalformedPayload, field, err)
	}
}

// ReadUint8 reads one byte.
func (pr *PacketReader) ReadUint8(field string) byte {
	var v byte
	pr.read(field, &v)
	return v
}

// ReadBool reads a byte and reports whether it is non-zero.
func (pr *PacketReader) ReadBool(field string) bool {
	return pr.ReadUint8(field) != 0
}

// ReadUint16 reads a little-endian uint16.
func (pr *PacketReader) ReadUint16(field string) uint16 {
	var v uint16
	pr.read(field, &v)
	return v
}

// ReadUint32 reads a little-endian uint32.
func (pr *PacketReader) ReadUint32(field string) uint32 {
	var v uint32
	pr.read(field, &v)
	return v
}

// ReadUint64 reads a little-endian uint64.
func (pr *PacketReader) ReadUint64(field string) uint64 {
	var v uint64
	pr.read(field, &v)
	return v
}

// ReadString reads a 2-byte length-prefixed string.
func (pr *PacketReader) ReadString(field string) string {
	n := int(pr.ReadUint16(field))
	return string(pr.readN(field, n))
}

// ReadBlob reads a 4-byte length-prefixed byte slice.
func (pr *PacketReader) ReadBlob(field string) []byte {
	n := pr.ReadUint32(field)
	if pr.err == nil && int64(n) > int64(pr.r.Len()) {
		pr.err = fmt.Errorf("%w: %s length %d exceeds remaining %d", ErrMalformedPayload, field, n, pr.r.Len())
		return nil
	}
	return pr.readN(field, int(n))
}

// ReadRest returns every remaining byte.
func (pr *PacketReader) ReadRest() []byte {
	return pr.readN("rest", pr.r.Len())
}

// Count reads a uint32 element count and rejects counts that cannot fit
// in the remaining payload given a minimum element size.
func (pr *PacketReader) Count(field string, minElemSize int) int {
	n := pr.ReadUint32(field)
	if pr.err != nil {
		return 0
	}
	if minElemSize > 0 && int64(n)*int64(minElemSize) > int64(pr.r.Len()) {
		pr.err = fmt.Errorf("%w: %s count %d exceeds payload", ErrMalformedPayload, field, n)
		return 0
	}
	return int(n)
}

func (pr *PacketReader) readN(field string, n int) []byte {
	if pr.err != nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(pr.r, out); err != nil {
		pr.err = fmt.Errorf("%w: failed to read %s: %v", ErrMalformedPayload, field, err)
		return nil
	}
	return out
}

// Remaining returns the number of unread bytes.
func (pr *PacketReader) Remaining() int {
	return pr.r.Len()
}

// Err returns the first read failure.
func (pr *PacketReader) Err() error {
	return pr.err
}
