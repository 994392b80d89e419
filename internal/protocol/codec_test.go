package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecoderRoundTripSplitReads(t *testing.T) {
	p := Packet{Command: CmdChat, Payload: []byte("hello park")}
	frame := Encode(p)

	var d Decoder
	// Header split across two reads, payload across three.
	parts := [][]byte{frame[:3], frame[3:8], frame[8:10], frame[10:14], frame[14:]}
	for i, part := range parts {
		d.Feed(part)
		got, ok, err := d.Next()
		if err != nil {
			t.Fatalf("part %d: unexpected error %v", i, err)
		}
		if i < len(parts)-1 {
			if ok {
				t.Fatalf("part %d: packet yielded before all bytes arrived", i)
			}
			continue
		}
		if !ok {
			t.Fatal("packet not yielded after final part")
		}
		if got.Command != p.Command || !bytes.Equal(got.Payload, p.Payload) {
			t.Fatalf("got %v %q, want %v %q", got.Command, got.Payload, p.Command, p.Payload)
		}
	}
	if d.Buffered() != 0 {
		t.Fatalf("decoder kept %d bytes", d.Buffered())
	}
}

func TestDecoderMultiplePacketsInOneRead(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(Packet{Command: CmdPing, Payload: []byte{1, 0, 0, 0}})...)
	stream = append(stream, Encode(Packet{Command: CmdHeartbeat})...)
	stream = append(stream, Encode(Packet{Command: CmdTick, Payload: []byte{9}})[:5]...)

	var d Decoder
	d.Feed(stream)

	want := []Command{CmdPing, CmdHeartbeat}
	for _, cmd := range want {
		p, ok, err := d.Next()
		if err != nil || !ok {
			t.Fatalf("Next() = %v, %v", ok, err)
		}
		if p.Command != cmd {
			t.Fatalf("command = %v, want %v", p.Command, cmd)
		}
	}
	if _, ok, _ := d.Next(); ok {
		t.Fatal("partial third packet should not be yielded")
	}
	if d.Buffered() != 5 {
		t.Fatalf("Buffered() = %d, want 5", d.Buffered())
	}
}

func TestDecoderRejectsBadLengths(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
		want   error
	}{
		{"too small", 4, ErrFrameTooSmall},
		{"too large", MaxPacketSize + 1, ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, 8)
			binary.LittleEndian.PutUint32(frame, tt.length)
			var d Decoder
			d.Feed(frame)
			if _, _, err := d.Next(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			// Framing errors are sticky.
			if _, _, err := d.Next(); !errors.Is(err, tt.want) {
				t.Fatalf("second Next err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadWritePacketBlocking(t *testing.T) {
	var buf bytes.Buffer
	in := Tick{Tick: 100, Seed: 7, Checksum: "abc", ActionIDs: []uint32{3, 4}}.Marshal()
	if err := WritePacket(&buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadPacket(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tick, err := UnmarshalTick(out.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if tick.Tick != 100 || tick.Seed != 7 || tick.Checksum != "abc" || len(tick.ActionIDs) != 2 || tick.ActionIDs[1] != 4 {
		t.Fatalf("unexpected tick %+v", tick)
	}
}

func TestTruncatedPayloadIsMalformed(t *testing.T) {
	p := AuthRequest{Name: "guest", PublicKey: []byte{1, 2, 3}}.Marshal()
	if _, err := UnmarshalAuthRequest(p.Payload[:len(p.Payload)-4]); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestHugeCountIsMalformed(t *testing.T) {
	payload := NewPacketBuilder().WriteUint32(1 << 30).Build()
	if _, err := UnmarshalPlayerList(payload); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestCommandString(t *testing.T) {
	if CmdGameAction.String() != "GAME_ACTION" {
		t.Fatalf("String() = %s", CmdGameAction.String())
	}
	if Command(999).Known() {
		t.Fatal("999 should not be a known command")
	}
}
