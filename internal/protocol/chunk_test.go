package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkAssemblerReassembles(t *testing.T) {
	data := bytes.Repeat([]byte("park"), 1000)
	chunks := SplitChunks(data, 1500)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	var a ChunkAssembler
	for i, c := range chunks {
		// Round trip each chunk through the wire form.
		wire := c.Marshal(CmdMap)
		parsed, err := UnmarshalChunk(wire.Payload)
		if err != nil {
			t.Fatal(err)
		}
		body, done, err := a.Add(CmdMap, parsed)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if done != (i == len(chunks)-1) {
			t.Fatalf("chunk %d: done = %v", i, done)
		}
		if done && !bytes.Equal(body, data) {
			t.Fatal("reassembled body differs")
		}
	}
	if _, active := a.InProgress(); active {
		t.Fatal("assembler should be idle after completion")
	}
}

func TestChunkAssemblerRejectsInterleaved(t *testing.T) {
	mapChunks := SplitChunks(make([]byte, 300), 100)
	stateChunks := SplitChunks(make([]byte, 300), 100)

	var a ChunkAssembler
	if _, _, err := a.Add(CmdMap, mapChunks[0]); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Add(CmdGameState, stateChunks[0]); !errors.Is(err, ErrInterleavedTransfer) {
		t.Fatalf("err = %v, want ErrInterleavedTransfer", err)
	}
}

func TestChunkAssemblerRejectsRestartOfSameKind(t *testing.T) {
	chunks := SplitChunks(make([]byte, 300), 100)

	var a ChunkAssembler
	a.Add(CmdMap, chunks[0])
	if _, _, err := a.Add(CmdMap, chunks[0]); !errors.Is(err, ErrInterleavedTransfer) {
		t.Fatalf("err = %v, want ErrInterleavedTransfer", err)
	}
}

func TestChunkAssemblerRejectsOutOfOrder(t *testing.T) {
	chunks := SplitChunks(make([]byte, 300), 100)

	var a ChunkAssembler
	if _, _, err := a.Add(CmdMap, chunks[1]); !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("first chunk at offset 100: err = %v", err)
	}
	a.Add(CmdMap, chunks[0])
	if _, _, err := a.Add(CmdMap, chunks[2]); !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("skipped chunk: err = %v", err)
	}
}

func TestEmptyTransferCompletes(t *testing.T) {
	var a ChunkAssembler
	chunks := SplitChunks(nil, 100)
	body, done, err := a.Add(CmdGameState, chunks[0])
	if err != nil || !done || len(body) != 0 {
		t.Fatalf("Add = %v, %v, %v", body, done, err)
	}
}

func TestSnapshotCompressedRoundTrip(t *testing.T) {
	snap := Snapshot{
		Tick:  42,
		State: bytes.Repeat([]byte{1, 2, 3, 4}, 4096),
		Pending: []GameAction{
			{ActionID: 9, RequestID: 1, Tick: 44, PlayerID: 2, Type: 3, Params: []byte("x")},
		},
	}
	chunks, err := EncodeSnapshotChunks(snap, 1024)
	if err != nil {
		t.Fatal(err)
	}

	var a ChunkAssembler
	var body []byte
	for _, c := range chunks {
		b, done, err := a.Add(CmdMap, c)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			body = b
		}
	}
	got, err := DecodeSnapshotBody(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tick != 42 || !bytes.Equal(got.State, snap.State) || len(got.Pending) != 1 || got.Pending[0].Tick != 44 {
		t.Fatalf("snapshot mismatch: tick=%d pending=%+v", got.Tick, got.Pending)
	}
}
