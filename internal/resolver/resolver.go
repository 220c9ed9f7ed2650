// Package resolver maps a file byte range onto the chunk spans that
// cover it (spec.md §4.7).
package resolver

import "github.com/WorkingRobot/egvmount/internal/manifest"

// Span is one covering (chunk, chunk_offset, length) triple.
type Span struct {
	Chunk  *manifest.Chunk
	Offset uint32
	Length uint32
}

// Spans enumerates the spans covering [offset, offset+length) of f,
// truncating at EOF. A read that starts at or past EOF yields no spans.
func Spans(f *manifest.File, offset, length uint64) []Span {
	fileSize := f.Size()
	if offset >= fileSize || length == 0 {
		return nil
	}
	if offset+length > fileSize {
		length = fileSize - offset
	}

	var spans []Span
	var cursor uint64
	var remaining = length
	started := false

	for _, part := range f.Parts {
		partEnd := cursor + uint64(part.Size)
		if !started {
			if offset >= partEnd {
				cursor = partEnd
				continue
			}
			started = true
			within := offset - cursor
			chunkOffset := part.Offset + uint32(within)
			n := min64(uint64(part.Size)-within, remaining)
			spans = append(spans, Span{Chunk: part.Chunk, Offset: chunkOffset, Length: uint32(n)})
			remaining -= n
			cursor = partEnd
			if remaining == 0 {
				break
			}
			continue
		}

		n := min64(uint64(part.Size), remaining)
		spans = append(spans, Span{Chunk: part.Chunk, Offset: part.Offset, Length: uint32(n)})
		remaining -= n
		cursor = partEnd
		if remaining == 0 {
			break
		}
	}
	return spans
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// PlaintextRangeToChunks is an alias of Spans kept for callers that think
// in terms of "file range to chunk range" rather than "spans" (mirrors
// the plaintext-range-to-chunk-range helper this resolver generalizes).
func PlaintextRangeToChunks(f *manifest.File, offset, length uint64) []Span {
	return Spans(f, offset, length)
}
