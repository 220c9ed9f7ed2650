// Package chunkcodec parses CDN chunk envelopes, decompresses and
// verifies their payload, and re-encodes decompressed bytes into the
// local on-disk storage form.
package chunkcodec

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// ErrBadMagic is returned when an envelope's magic number does not match.
var ErrBadMagic = errors.New("chunkcodec: bad magic")

// ErrEncrypted is returned when an envelope declares its payload encrypted
// (stored_as & 0x02), a form this module does not support (spec.md §9).
var ErrEncrypted = errors.New("chunkcodec: encrypted chunk unsupported")

// ErrTruncated is returned when an envelope is shorter than its header claims.
var ErrTruncated = errors.New("chunkcodec: truncated envelope")

// ErrDecompress wraps a failure while inflating a compressed payload.
var ErrDecompress = errors.New("chunkcodec: decompress failed")

const magic = 0xB1FE3AA2

const (
	storedAsZlib      = 0x01
	storedAsEncrypted = 0x02
)

// Header is the parsed fixed portion of a CDN chunk envelope (spec.md §4.1).
type Header struct {
	Version               uint32
	HeaderSize            uint32
	DataSizeCompressed    uint32
	GUID                  [16]byte
	RollingHash           uint64
	StoredAs              uint8
	SHA1                  [20]byte
	HasSHA1               bool
	DataSizeUncompressed  uint32
}

// Parse reads the fixed envelope header from buf and returns it along with
// the byte range of the compressed payload within buf.
func Parse(buf []byte) (Header, []byte, error) {
	var h Header
	if len(buf) < 4 {
		return h, nil, ErrTruncated
	}
	r := bytes.NewReader(buf)
	var gotMagic uint32
	if err := binary.Read(r, binary.BigEndian, &gotMagic); err != nil {
		return h, nil, ErrTruncated
	}
	if gotMagic != magic {
		return h, nil, ErrBadMagic
	}

	fixed := []any{&h.Version, &h.HeaderSize, &h.DataSizeCompressed}
	for _, f := range fixed {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return h, nil, ErrTruncated
		}
	}
	if _, err := io.ReadFull(r, h.GUID[:]); err != nil {
		return h, nil, ErrTruncated
	}
	if err := binary.Read(r, binary.BigEndian, &h.RollingHash); err != nil {
		return h, nil, ErrTruncated
	}
	if err := binary.Read(r, binary.BigEndian, &h.StoredAs); err != nil {
		return h, nil, ErrTruncated
	}

	if h.StoredAs&storedAsEncrypted != 0 {
		return h, nil, ErrEncrypted
	}

	if h.Version >= 2 {
		if _, err := io.ReadFull(r, h.SHA1[:]); err != nil {
			return h, nil, ErrTruncated
		}
		h.HasSHA1 = true
		var hashType uint8
		if err := binary.Read(r, binary.BigEndian, &hashType); err != nil {
			return h, nil, ErrTruncated
		}
	}

	if h.Version >= 3 {
		if err := binary.Read(r, binary.BigEndian, &h.DataSizeUncompressed); err != nil {
			return h, nil, ErrTruncated
		}
	} else {
		h.DataSizeUncompressed = 1 << 20
	}

	payloadStart := len(buf) - r.Len()
	if h.Version > 3 && int(h.HeaderSize) > payloadStart {
		payloadStart = int(h.HeaderSize)
	}
	if payloadStart > len(buf) {
		return h, nil, ErrTruncated
	}
	payload := buf[payloadStart:]
	if uint32(len(payload)) < h.DataSizeCompressed {
		return h, nil, ErrTruncated
	}
	payload = payload[:h.DataSizeCompressed]
	return h, payload, nil
}

// Decode inflates payload per h.StoredAs, returning exactly
// h.DataSizeUncompressed bytes when the payload is zlib-compressed, or a
// verbatim copy otherwise.
func Decode(h Header, payload []byte) ([]byte, error) {
	if h.StoredAs&storedAsZlib == 0 {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer zr.Close()
	out := make([]byte, h.DataSizeUncompressed)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	return out, nil
}

// Verify reports whether decompressed hashes to expectedSHA1.
func Verify(decompressed []byte, expectedSHA1 [20]byte) bool {
	sum := sha1.Sum(decompressed)
	return sum == expectedSHA1
}

// Form is the local on-disk storage form chosen for a chunk (spec.md §6.1/§6.5).
type Form uint16

const (
	FormDecompressed Form = 0x001
	FormZlib         Form = 0x004
	FormLZ4          Form = 0x008
)

// Level is the recompression effort level (spec.md §6.5).
type Level int

const (
	LevelFastest Level = iota
	LevelFast
	LevelNormal
	LevelSlow
	LevelSlowest
)

func zlibLevel(l Level) int {
	switch l {
	case LevelFastest:
		return 1
	case LevelFast:
		return 4
	case LevelNormal:
		return 6
	case LevelSlow, LevelSlowest:
		return 9
	default:
		return zlib.DefaultCompression
	}
}

func lz4Level(l Level) lz4.CompressionLevel {
	switch l {
	case LevelFastest:
		return lz4.Fast
	case LevelFast:
		return lz4.Level6
	case LevelNormal:
		return lz4.Level6
	case LevelSlow:
		return lz4.Level9
	case LevelSlowest:
		return lz4.Level9
	default:
		return lz4.Fast
	}
}

// Reencode compresses decompressed bytes into the requested local storage
// form, returning the flags word to persist and the resulting bytes
// (excluding the decompressed-size prefix, which the caller — cachestore —
// writes separately per the on-disk envelope).
func Reencode(decompressed []byte, form Form, level Level) (Form, []byte, error) {
	switch form {
	case FormDecompressed:
		out := make([]byte, len(decompressed))
		copy(out, decompressed)
		return FormDecompressed, out, nil
	case FormZlib:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlibLevel(level))
		if err != nil {
			return 0, nil, fmt.Errorf("chunkcodec: zlib writer: %w", err)
		}
		if _, err := zw.Write(decompressed); err != nil {
			return 0, nil, fmt.Errorf("chunkcodec: zlib compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return 0, nil, fmt.Errorf("chunkcodec: zlib close: %w", err)
		}
		return FormZlib, buf.Bytes(), nil
	case FormLZ4:
		// Raw LZ4 block, not the framed format: the local envelope (spec.md
		// §6.1) stores the decompressed size alongside the payload itself,
		// matching the original engine's LZ4_compress_HC/raw-block layout.
		dst := make([]byte, lz4.CompressBlockBound(len(decompressed)))
		n, err := lz4.CompressBlockHC(decompressed, dst, int(lz4Level(level)), nil, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("chunkcodec: lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input: CompressBlockHC reports this by
			// returning 0 rather than an error.
			out := make([]byte, len(decompressed))
			copy(out, decompressed)
			return FormDecompressed, out, nil
		}
		return FormLZ4, dst[:n], nil
	default:
		return 0, nil, fmt.Errorf("chunkcodec: unknown storage form %d", form)
	}
}

// DecodeLocal is the inverse of Reencode, used by cachestore when reading
// back a cached chunk of any local storage form.
func DecodeLocal(form Form, payload []byte, decompressedSize uint32) ([]byte, error) {
	switch form {
	case FormDecompressed:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case FormZlib:
		return Decode(Header{StoredAs: storedAsZlib, DataSizeUncompressed: decompressedSize}, payload)
	case FormLZ4:
		out := make([]byte, decompressedSize)
		n, err := lz4.UncompressBlockWithDict(payload, out, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		if uint32(n) != decompressedSize {
			return nil, fmt.Errorf("%w: short lz4 block (%d of %d bytes)", ErrDecompress, n, decompressedSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("chunkcodec: unknown storage form %d", form)
	}
}
