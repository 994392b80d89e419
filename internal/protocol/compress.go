package protocol

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxTransferSize))
	})
	return zstdEnc, zstdDec, zstdErr
}

// CompressSnapshot compresses a snapshot body before chunking.
func CompressSnapshot(data []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// DecompressSnapshot reverses CompressSnapshot.
func DecompressSnapshot(data []byte) ([]byte, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return out, nil
}

// EncodeSnapshotChunks compresses a snapshot and splits it for transfer.
func EncodeSnapshotChunks(s Snapshot, chunkSize int) ([]Chunk, error) {
	compressed, err := CompressSnapshot(s.Encode())
	if err != nil {
		return nil, err
	}
	return SplitChunks(compressed, chunkSize), nil
}

// DecodeSnapshotBody decompresses and parses a reassembled transfer.
func DecodeSnapshotBody(body []byte) (Snapshot, error) {
	raw, err := DecompressSnapshot(body)
	if err != nil {
		return Snapshot{}, err
	}
	return DecodeSnapshot(raw)
}
