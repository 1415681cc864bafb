package rowstore

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how row payloads are stored.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression. The empty name is none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Sealer encrypts stored payloads. aad is authenticated but not stored.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// Record layout: flags (codec in the low bits, sealed bit), xxhash64 of the
// stored payload, then the payload. Sealed payloads are compressed first.
const (
	recordHeaderSize = 1 + 8
	codecMask        = 0x0f
	flagSealed       = 0x10
)

// encodeRecord compresses row with c and seals it when sealer is set. Rows that
// do not shrink are stored uncompressed.
func encodeRecord(c Compression, sealer Sealer, row []byte) ([]byte, error) {
	payload, used, err := compress(c, row)
	if err != nil {
		return nil, err
	}
	flags := byte(used)
	if sealer != nil {
		flags |= flagSealed
		if payload, err = sealer.Seal(payload, []byte{flags}); err != nil {
			return nil, err
		}
	}
	rec := make([]byte, recordHeaderSize+len(payload))
	rec[0] = flags
	binary.LittleEndian.PutUint64(rec[1:], xxhash.Sum64(payload))
	copy(rec[recordHeaderSize:], payload)
	return rec, nil
}

func compress(c Compression, row []byte) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return row, CompressionNone, nil
	case CompressionSnappy:
		out := snappy.Encode(nil, row)
		if len(out) >= len(row) {
			return row, CompressionNone, nil
		}
		return out, CompressionSnappy, nil
	case CompressionLZ4:
		// The raw length prefix sizes the decode buffer.
		out := make([]byte, binary.MaxVarintLen32+lz4.CompressBlockBound(len(row)))
		n := binary.PutUvarint(out, uint64(len(row)))
		var comp lz4.Compressor
		m, err := comp.CompressBlock(row, out[n:])
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if m == 0 || n+m >= len(row) {
			return row, CompressionNone, nil
		}
		return out[:n+m], CompressionLZ4, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnknownCodec, c)
}

// decodeRecord verifies, opens and decompresses a stored record.
func decodeRecord(rec []byte, sealer Sealer) ([]byte, error) {
	if len(rec) < recordHeaderSize {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrCorruptRow, len(rec))
	}
	payload := rec[recordHeaderSize:]
	if sum := binary.LittleEndian.Uint64(rec[1:]); sum != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRow)
	}
	if rec[0]&flagSealed != 0 {
		if sealer == nil {
			return nil, ErrNoSealer
		}
		opened, err := sealer.Open(payload, rec[:1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRow, err)
		}
		payload = opened
	}
	switch c := Compression(rec[0] & codecMask); c {
	case CompressionNone:
		return append([]byte(nil), payload...), nil
	case CompressionSnappy:
		row, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorruptRow, err)
		}
		return row, nil
	case CompressionLZ4:
		size, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("%w: lz4 length prefix", ErrCorruptRow)
		}
		row := make([]byte, size)
		m, err := lz4.UncompressBlock(payload[n:], row)
		if err != nil || uint64(m) != size {
			return nil, fmt.Errorf("%w: lz4: %d of %d bytes: %v", ErrCorruptRow, m, size, err)
		}
		return row, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, c)
	}
}
