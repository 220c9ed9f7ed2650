// Package cachestore maps chunk GUIDs to on-disk paths and persists the
// cached-chunk envelope defined in spec.md §6.1.
package cachestore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/WorkingRobot/egvmount/internal/chunkcodec"
	"github.com/WorkingRobot/egvmount/internal/manifest"
)

// ErrCacheIO wraps a local disk error unrelated to simple absence.
var ErrCacheIO = errors.New("cachestore: io error")

const envelopeVersion = 0

// Layout is the two-level <cache>/<XX>/<guid> directory layout.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) *Layout {
	return &Layout{Root: root}
}

func subDir(netGUID manifest.GUID) string {
	return fmt.Sprintf("%02X", netGUID[0])
}

// PathOf returns the on-disk path for guid.
func (l *Layout) PathOf(guid manifest.GUID) string {
	net := guid.NetworkOrder()
	return filepath.Join(l.Root, subDir(net), net.String())
}

// EnsureLayout creates the cache root and all 256 two-hex subdirectories.
func (l *Layout) EnsureLayout() error {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	for i := 0; i < 256; i++ {
		dir := filepath.Join(l.Root, fmt.Sprintf("%02X", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheIO, err)
		}
	}
	return nil
}

// Present reports whether guid already has a cache file.
func (l *Layout) Present(guid manifest.GUID) bool {
	_, err := os.Stat(l.PathOf(guid))
	return err == nil
}

// Remove deletes guid's cache file, if any.
func (l *Layout) Remove(guid manifest.GUID) error {
	err := os.Remove(l.PathOf(guid))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	return nil
}

// ChunkFile is one entry yielded by IterChunkFiles.
type ChunkFile struct {
	GUID manifest.GUID
	Path string
}

// IterChunkFiles walks the two-level layout, rejecting any entry whose
// parent directory is not a valid two-hex-character subdirectory, and
// calls yield for every remaining regular file whose 32-char name parses
// to a GUID. Walking stops early if yield returns false.
func (l *Layout) IterChunkFiles(yield func(ChunkFile) bool) error {
	subs, err := os.ReadDir(l.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	for _, sub := range subs {
		if !sub.IsDir() || !isTwoHex(sub.Name()) {
			continue
		}
		subPath := filepath.Join(l.Root, sub.Name())
		entries, err := os.ReadDir(subPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCacheIO, err)
		}
		for _, e := range entries {
			if e.IsDir() || len(e.Name()) != 32 {
				continue
			}
			netGUID, err := manifest.ParseGUIDHex(e.Name())
			if err != nil {
				continue
			}
			cf := ChunkFile{GUID: netGUID.NetworkOrder(), Path: filepath.Join(subPath, e.Name())}
			if !yield(cf) {
				return nil
			}
		}
	}
	return nil
}

func isTwoHex(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range strings.ToUpper(s) {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// WriteCached persists decompressed/compressed payload under guid as the
// on-disk envelope (spec.md §6.1). decompressedSize is only written for
// compressed forms, but is always supplied so the caller needn't branch.
func (l *Layout) WriteCached(guid manifest.GUID, form chunkcodec.Form, decompressedSize uint32, payload []byte) error {
	path := l.PathOf(guid)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	w := bufio.NewWriter(f)
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], envelopeVersion)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(form))
	if _, err := w.Write(hdr[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if form != chunkcodec.FormDecompressed {
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], decompressedSize)
		if _, err := w.Write(sizeBuf[:]); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("%w: %v", ErrCacheIO, err)
		}
	}
	if _, err := w.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	return nil
}

// ReadCached opens guid's cache file and returns its decompressed bytes.
func (l *Layout) ReadCached(guid manifest.GUID) ([]byte, error) {
	path := l.PathOf(guid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	defer f.Close()

	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	version := binary.LittleEndian.Uint16(hdr[0:2])
	if version != envelopeVersion {
		return nil, fmt.Errorf("%w: unexpected envelope version %d", ErrCacheIO, version)
	}
	form := chunkcodec.Form(binary.LittleEndian.Uint16(hdr[2:4]))

	var decompressedSize uint32
	if form != chunkcodec.FormDecompressed {
		var sizeBuf [4]byte
		if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
		}
		decompressedSize = binary.LittleEndian.Uint32(sizeBuf[:])
	}
	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if form == chunkcodec.FormDecompressed {
		decompressedSize = uint32(len(payload))
	}
	return chunkcodec.DecodeLocal(form, payload, decompressedSize)
}
