// Package manifest implements the typed in-memory model of a build
// manifest: the set of chunks a build is made of and the ordered file
// tree that references them by byte range.
package manifest

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by GetFile when no file matches the given path.
var ErrNotFound = errors.New("manifest: not found")

// DefaultWindowSize is the decompressed chunk size assumed for feature
// levels that predate per-chunk window size information. A chunk's window
// size is raised in place when a file part or its decoded CDN envelope
// shows a larger size; it is never lowered.
const DefaultWindowSize = 1 << 20

// GUID is a 16-byte opaque chunk identifier. Manifest JSON carries GUIDs
// in host byte order; cache paths and CDN URLs use network byte order
// on each 64-bit half.
type GUID [16]byte

// ParseGUIDHex decodes a 32-character hex string into a host-order GUID.
func ParseGUIDHex(s string) (GUID, error) {
	var g GUID
	if len(s) != 32 {
		return g, fmt.Errorf("manifest: guid %q is not 32 hex chars", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return g, fmt.Errorf("manifest: guid %q: %w", s, err)
	}
	copy(g[:], b)
	return g, nil
}

// NetworkOrder returns g with each of its two 64-bit halves byte-swapped,
// the form used in cache file names and CDN chunk URLs.
func (g GUID) NetworkOrder() GUID {
	var out GUID
	for i := 0; i < 8; i++ {
		out[i] = g[7-i]
		out[8+i] = g[15-i]
	}
	return out
}

// String renders g as 32 upper-case hex characters, host order.
func (g GUID) String() string {
	return fmt.Sprintf("%X", [16]byte(g))
}

// Chunk is an immutable, content-addressed blob shared by every
// ChunkPart that references it.
type Chunk struct {
	GUID         GUID
	Hash         uint64
	SHA1         [20]byte
	Group        uint8
	DownloadSize uint32
	WindowSize   uint32
}

// ChunkPart is a run of bytes inside one chunk's decompressed window,
// attributed to one file.
type ChunkPart struct {
	Chunk  *Chunk
	Offset uint32
	Size   uint32
}

// File is one path in the virtual tree.
type File struct {
	Path  string
	SHA1  [20]byte
	Parts []ChunkPart
}

// Size returns the sum of every part's size, i.e. the file's logical length.
func (f *File) Size() uint64 {
	var total uint64
	for _, p := range f.Parts {
		total += uint64(p.Size)
	}
	return total
}

// FeatureLevel is the manifest's numeric wire/format tag. Its ordering,
// not its absolute values, is what selects the CDN chunk sub-path.
type FeatureLevel uint32

const (
	FeatureLevelOriginal FeatureLevel = iota
	FeatureLevelCustomFields
	FeatureLevelStartStoringVersion
	FeatureLevelDataFileRenames
	FeatureLevelStoredAsBinaryData
	FeatureLevelChunkCompressionSupport
	FeatureLevelVariableSizeChunksWithoutWindowSizeChunkInfo
	FeatureLevelLatest
)

// Manifest is a point-in-time build descriptor: immutable once parsed,
// shared by every component that reads it.
type Manifest struct {
	FeatureLevel  FeatureLevel
	IsFileData    bool
	AppID         uint32
	AppName       string
	BuildVersion  string
	LaunchExe     string
	LaunchCommand string
	Files         []*File
	Chunks        map[GUID]*Chunk
	CloudDir      string
}

// GetFile returns the File at path, or ErrNotFound.
func (m *Manifest) GetFile(path string) (*File, error) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// DownloadSize is the sum of every chunk's on-CDN compressed size.
func (m *Manifest) DownloadSize() uint64 {
	var total uint64
	for _, c := range m.Chunks {
		total += uint64(c.DownloadSize)
	}
	return total
}

// InstallSize is the sum of every file's logical size.
func (m *Manifest) InstallSize() uint64 {
	var total uint64
	for _, f := range m.Files {
		total += f.Size()
	}
	return total
}

// LaunchInfo returns the executable's relative path and its command
// line template.
func (m *Manifest) LaunchInfo() (exe, cmdLine string) {
	return m.LaunchExe, m.LaunchCommand
}

// ChunkSubDir derives the CDN chunk sub-path from the manifest's feature level.
func (m *Manifest) ChunkSubDir() string {
	switch {
	case m.FeatureLevel <= FeatureLevelDataFileRenames:
		return "Chunks"
	case m.FeatureLevel < FeatureLevelChunkCompressionSupport:
		return "ChunksV2"
	case m.FeatureLevel < FeatureLevelVariableSizeChunksWithoutWindowSizeChunkInfo:
		return "ChunksV3"
	default:
		return "ChunksV4"
	}
}

// wireManifest mirrors the on-the-wire JSON field names (spec.md §6.3).
type wireManifest struct {
	ManifestFileVersion string `json:"ManifestFileVersion"`
	IsFileData          bool   `json:"bIsFileData"`
	AppID               string `json:"AppID"`
	AppNameString       string `json:"AppNameString"`
	BuildVersionString  string `json:"BuildVersionString"`
	LaunchExeString     string `json:"LaunchExeString"`
	LaunchCommand       string `json:"LaunchCommand"`
	ChunkHashList       map[string]string `json:"ChunkHashList"`
	ChunkShaList        map[string]string `json:"ChunkShaList"`
	DataGroupList       map[string]string `json:"DataGroupList"`
	ChunkFilesizeList   map[string]string `json:"ChunkFilesizeList"`
	FileManifestList    []wireFile        `json:"FileManifestList"`
}

type wireFile struct {
	Filename        string          `json:"Filename"`
	FileHash        string          `json:"FileHash"`
	FileChunkParts  []wireChunkPart `json:"FileChunkParts"`
}

type wireChunkPart struct {
	Guid   string `json:"Guid"`
	Offset string `json:"Offset"`
	Size   string `json:"Size"`
}

// decodeBlob decodes the vendor's "blob" encoding: a string of
// 3-character decimal groups, each group the decimal value of one byte.
func decodeBlob(s string) ([]byte, error) {
	if len(s)%3 != 0 {
		return nil, fmt.Errorf("manifest: blob %q has length not a multiple of 3", s)
	}
	out := make([]byte, len(s)/3)
	for i := range out {
		group := s[i*3 : i*3+3]
		var n int
		if _, err := fmt.Sscanf(group, "%03d", &n); err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("manifest: blob group %q out of range", group)
		}
		out[i] = byte(n)
	}
	return out, nil
}

func decodeBlobUint32(s string) (uint32, error) {
	b, err := decodeBlob(s)
	if err != nil {
		return 0, err
	}
	var padded [4]byte
	copy(padded[:], b)
	return binary.LittleEndian.Uint32(padded[:]), nil
}

func decodeBlobUint64(s string) (uint64, error) {
	b, err := decodeBlob(s)
	if err != nil {
		return 0, err
	}
	var padded [8]byte
	copy(padded[:], b)
	return binary.LittleEndian.Uint64(padded[:]), nil
}

func decodeBlobSHA1(s string) ([20]byte, error) {
	var out [20]byte
	b, err := decodeBlob(s)
	if err != nil {
		return out, err
	}
	if len(b) != 20 {
		return out, fmt.Errorf("manifest: sha1 blob %q decodes to %d bytes, want 20", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Parse decodes a manifest JSON document (spec.md §6.3) into a Manifest.
// CloudDir must be supplied by the caller (it is not carried in the JSON
// body itself but derived from the source the manifest was fetched from).
func Parse(data []byte, cloudDir string) (*Manifest, error) {
	var wire wireManifest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("manifest: decode json: %w", err)
	}

	featureLevel, err := decodeBlobUint32(wire.ManifestFileVersion)
	if err != nil {
		return nil, fmt.Errorf("manifest: ManifestFileVersion: %w", err)
	}
	appID, err := decodeBlobUint32(wire.AppID)
	if err != nil {
		return nil, fmt.Errorf("manifest: AppID: %w", err)
	}

	m := &Manifest{
		FeatureLevel:  FeatureLevel(featureLevel),
		IsFileData:    wire.IsFileData,
		AppID:         appID,
		AppName:       wire.AppNameString,
		BuildVersion:  wire.BuildVersionString,
		LaunchExe:     wire.LaunchExeString,
		LaunchCommand: wire.LaunchCommand,
		Chunks:        make(map[GUID]*Chunk, len(wire.ChunkHashList)),
		CloudDir:      cloudDir,
	}

	for guidHex, hashBlob := range wire.ChunkHashList {
		guid, err := ParseGUIDHex(guidHex)
		if err != nil {
			return nil, err
		}
		hash, err := decodeBlobUint64(hashBlob)
		if err != nil {
			return nil, fmt.Errorf("manifest: ChunkHashList[%s]: %w", guidHex, err)
		}
		m.Chunks[guid] = &Chunk{GUID: guid, Hash: hash, WindowSize: DefaultWindowSize}
	}
	for guidHex, shaBlob := range wire.ChunkShaList {
		guid, err := ParseGUIDHex(guidHex)
		if err != nil {
			return nil, err
		}
		sha1, err := decodeBlobSHA1(shaBlob)
		if err != nil {
			return nil, fmt.Errorf("manifest: ChunkShaList[%s]: %w", guidHex, err)
		}
		c, ok := m.Chunks[guid]
		if !ok {
			c = &Chunk{GUID: guid, WindowSize: DefaultWindowSize}
			m.Chunks[guid] = c
		}
		c.SHA1 = sha1
	}
	for guidHex, groupStr := range wire.DataGroupList {
		guid, err := ParseGUIDHex(guidHex)
		if err != nil {
			return nil, err
		}
		var group int
		if _, err := fmt.Sscanf(groupStr, "%d", &group); err != nil || group < 0 || group > 99 {
			return nil, fmt.Errorf("manifest: DataGroupList[%s]=%q out of range", guidHex, groupStr)
		}
		c, ok := m.Chunks[guid]
		if !ok {
			c = &Chunk{GUID: guid, WindowSize: DefaultWindowSize}
			m.Chunks[guid] = c
		}
		c.Group = uint8(group)
	}
	for guidHex, sizeBlob := range wire.ChunkFilesizeList {
		guid, err := ParseGUIDHex(guidHex)
		if err != nil {
			return nil, err
		}
		size, err := decodeBlobUint64(sizeBlob)
		if err != nil {
			return nil, fmt.Errorf("manifest: ChunkFilesizeList[%s]: %w", guidHex, err)
		}
		c, ok := m.Chunks[guid]
		if !ok {
			c = &Chunk{GUID: guid, WindowSize: DefaultWindowSize}
			m.Chunks[guid] = c
		}
		c.DownloadSize = uint32(size)
	}

	m.Files = make([]*File, 0, len(wire.FileManifestList))
	for _, wf := range wire.FileManifestList {
		sha1, err := decodeBlobSHA1(wf.FileHash)
		if err != nil {
			return nil, fmt.Errorf("manifest: file %q FileHash: %w", wf.Filename, err)
		}
		f := &File{Path: wf.Filename, SHA1: sha1, Parts: make([]ChunkPart, 0, len(wf.FileChunkParts))}
		for _, wp := range wf.FileChunkParts {
			guid, err := ParseGUIDHex(wp.Guid)
			if err != nil {
				return nil, fmt.Errorf("manifest: file %q part guid: %w", wf.Filename, err)
			}
			chunk, ok := m.Chunks[guid]
			if !ok {
				return nil, fmt.Errorf("manifest: file %q references unknown chunk %s", wf.Filename, guid)
			}
			offset, err := decodeBlobUint32(wp.Offset)
			if err != nil {
				return nil, fmt.Errorf("manifest: file %q part offset: %w", wf.Filename, err)
			}
			size, err := decodeBlobUint32(wp.Size)
			if err != nil {
				return nil, fmt.Errorf("manifest: file %q part size: %w", wf.Filename, err)
			}
			if uint64(offset)+uint64(size) > uint64(chunk.WindowSize) {
				// WindowSize is the placeholder default until the chunk's
				// own envelope is decoded; widen it rather than reject.
				chunk.WindowSize = offset + size
			}
			f.Parts = append(f.Parts, ChunkPart{Chunk: chunk, Offset: offset, Size: size})
		}
		m.Files = append(m.Files, f)
	}

	return m, nil
}
