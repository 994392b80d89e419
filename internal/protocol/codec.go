package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooSmall means the length field is shorter than the header.
	ErrFrameTooSmall = errors.New("frame length smaller than header")
	// ErrFrameTooLarge means the length field exceeds MaxPacketSize.
	ErrFrameTooLarge = errors.New("frame length exceeds maximum")
)

// Encode frames a packet for the wire.
func Encode(p Packet) []byte {
	out := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(p.Command))
	copy(out[HeaderSize:], p.Payload)
	return out
}

// Decoder reassembles frames from an arbitrary split of the byte stream.
// It never returns a partial packet and keeps partial state between calls.
// Once it returns a framing error the stream is unrecoverable.
type Decoder struct {
	buf []byte
	err error
}

// Feed appends bytes read from the transport.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet. ok is false when more bytes are
// needed.
func (d *Decoder) Next() (p Packet, ok bool, err error) {
	if d.err != nil {
		return Packet{}, false, d.err
	}
	if len(d.buf) < 4 {
		return Packet{}, false, nil
	}

	total := binary.LittleEndian.Uint32(d.buf[0:4])
	if err := checkLength(total); err != nil {
		d.err = err
		return Packet{}, false, err
	}
	if uint32(len(d.buf)) < total {
		return Packet{}, false, nil
	}

	p.Command = Command(binary.LittleEndian.Uint32(d.buf[4:8]))
	p.Payload = make([]byte, total-HeaderSize)
	copy(p.Payload, d.buf[HeaderSize:total])

	// Compact so the buffer does not grow with the stream.
	rest := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]

	return p, true, nil
}

func checkLength(total uint32) error {
	if total < HeaderSize {
		return fmt.Errorf("%w: %d", ErrFrameTooSmall, total)
	}
	if total > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, total, MaxPacketSize)
	}
	return nil
}

// ReadPacket reads exactly one frame from a blocking reader.
func ReadPacket(r io.Reader) (Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, fmt.Errorf("failed to read packet header: %w", err)
	}

	total := binary.LittleEndian.Uint32(header[0:4])
	if err := checkLength(total); err != nil {
		return Packet{}, err
	}

	p := Packet{
		Command: Command(binary.LittleEndian.Uint32(header[4:8])),
		Payload: make([]byte, total-HeaderSize),
	}
	if _, err := io.ReadFull(r, p.Payload); err != nil {
		return Packet{}, fmt.Errorf("failed to read packet payload (%d bytes): %w", len(p.Payload), err)
	}
	return p, nil
}

// WritePacket writes one frame to a blocking writer.
func WritePacket(w io.Writer, p Packet) error {
	if p.Size() > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, p.Size())
	}
	if _, err := w.Write(Encode(p)); err != nil {
		return fmt.Errorf("failed to write %s packet: %w", p.Command, err)
	}
	return nil
}
