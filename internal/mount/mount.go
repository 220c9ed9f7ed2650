// Package mount projects a manifest's files as a read-only filesystem
// using WinFsp/FUSE, bridging Getattr/Open/Read/Readdir callbacks to
// internal/readpath.
package mount

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/readpath"
	"github.com/sirupsen/logrus"
	"github.com/winfsp/cgofuse/fuse"
)

// node is one entry in the projected directory tree: either a directory
// with children, or a file backed by a manifest.File.
type node struct {
	name     string
	isDir    bool
	file     *manifest.File
	children map[string]*node
}

func newDirNode(name string) *node {
	return &node{name: name, isDir: true, children: make(map[string]*node)}
}

// buildTree splits every manifest file path on '/' and inserts it into a
// directory tree rooted at "/", creating intermediate directories as needed.
func buildTree(m *manifest.Manifest) *node {
	root := newDirNode("")
	for i := range m.Files {
		f := m.Files[i]
		insertFile(root, f)
	}
	return root
}

func insertFile(root *node, f *manifest.File) {
	parts := strings.Split(strings.ReplaceAll(f.Path, "\\", "/"), "/")
	cur := root
	for i, part := range parts {
		if part == "" {
			continue
		}
		last := i == len(parts)-1
		if last {
			cur.children[part] = &node{name: part, file: f}
			return
		}
		child, ok := cur.children[part]
		if !ok || !child.isDir {
			child = newDirNode(part)
			cur.children[part] = child
		}
		cur = child
	}
}

func lookup(root *node, p string) *node {
	p = path.Clean("/" + p)
	if p == "/" {
		return root
	}
	cur := root
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if !cur.isDir {
			return nil
		}
		next, ok := cur.children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// FS implements fuse.FileSystemInterface over a manifest, serving reads
// through an internal/readpath.Assembler. All mutating operations are
// rejected since the projected build is read-only.
type FS struct {
	fuse.FileSystemBase

	manifest    *manifest.Manifest
	root        *node
	assembler   *readpath.Assembler
	volumeLabel string
	log         *logrus.Entry

	onMountOp func(op string, success bool, err error)

	mu       sync.Mutex
	handles  map[uint64]*node
	nextFh   uint64
}

// Options configures an FS instance.
type Options struct {
	VolumeLabel string
	Logger      *logrus.Entry
	OnMountOp   func(op string, success bool, err error)
}

// New builds an FS projecting m's files, reading chunk data through
// assembler.
func New(m *manifest.Manifest, assembler *readpath.Assembler, opts Options) *FS {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FS{
		manifest:    m,
		root:        buildTree(m),
		assembler:   assembler,
		volumeLabel: opts.VolumeLabel,
		log:         logger,
		onMountOp:   opts.OnMountOp,
		handles:     make(map[uint64]*node),
		nextFh:      1,
	}
}

func (fs *FS) allocHandle(n *node) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh := fs.nextFh
	fs.nextFh++
	fs.handles[fh] = n
	return fh
}

func (fs *FS) handleNode(fh uint64) *node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.handles[fh]
}

func (fs *FS) freeHandle(fh uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.handles, fh)
}

func fillStat(n *node, stat *fuse.Stat_t) {
	*stat = fuse.Stat_t{}
	now := time.Now()
	ts := fuse.Timespec{Sec: now.Unix(), Nsec: int64(now.Nanosecond())}
	stat.Ctim = ts
	stat.Mtim = ts
	stat.Atim = ts
	if n.isDir {
		stat.Mode = fuse.S_IFDIR | 0o555
		stat.Nlink = 2
		return
	}
	stat.Mode = fuse.S_IFREG | 0o444
	stat.Nlink = 1
	stat.Size = int64(n.file.Size())
}

// Getattr reports file attributes by resolving path through the tree.
func (fs *FS) Getattr(p string, stat *fuse.Stat_t, fh uint64) int {
	n := fs.handleNode(fh)
	if n == nil {
		n = lookup(fs.root, p)
	}
	if n == nil {
		return -fuse.ENOENT
	}
	fillStat(n, stat)
	return 0
}

// Open resolves a file path and registers a handle for subsequent Read
// calls. Only O_RDONLY is supported.
func (fs *FS) Open(p string, flags int) (int, uint64) {
	n := lookup(fs.root, p)
	if n == nil {
		return -fuse.ENOENT, 0
	}
	if n.isDir {
		return -fuse.EISDIR, 0
	}
	if flags&(fuse.O_WRONLY|fuse.O_RDWR) != 0 {
		return -fuse.EROFS, 0
	}
	return 0, fs.allocHandle(n)
}

// Release drops the handle allocated by Open.
func (fs *FS) Release(p string, fh uint64) int {
	fs.freeHandle(fh)
	return 0
}

// Read serves a read against the chunk assembler, crossing chunk
// boundaries transparently.
func (fs *FS) Read(p string, buff []byte, ofst int64, fh uint64) int {
	n := fs.handleNode(fh)
	if n == nil {
		n = lookup(fs.root, p)
	}
	if n == nil || n.isDir {
		return -fuse.ENOENT
	}

	written, eof, err := fs.assembler.Read(context.Background(), n.file, buff, uint64(ofst), uint32(len(buff)))
	if err != nil {
		fs.log.WithError(err).WithField("path", p).Warn("read failed")
		return -fuse.EIO
	}
	if eof && written == 0 {
		return 0
	}
	return int(written)
}

// Opendir resolves a directory path and registers a handle for Readdir.
func (fs *FS) Opendir(p string) (int, uint64) {
	n := lookup(fs.root, p)
	if n == nil {
		return -fuse.ENOENT, 0
	}
	if !n.isDir {
		return -fuse.ENOTDIR, 0
	}
	return 0, fs.allocHandle(n)
}

// Releasedir drops the handle allocated by Opendir.
func (fs *FS) Releasedir(p string, fh uint64) int {
	fs.freeHandle(fh)
	return 0
}

// Readdir lists a directory's immediate children plus "." and "..".
func (fs *FS) Readdir(p string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	n := fs.handleNode(fh)
	if n == nil {
		n = lookup(fs.root, p)
	}
	if n == nil || !n.isDir {
		return -fuse.ENOENT
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for name, child := range n.children {
		var stat fuse.Stat_t
		fillStat(child, &stat)
		if !fill(name, &stat, 0) {
			break
		}
	}
	return 0
}

// Statfs reports aggregate install-size accounting derived from the
// manifest: free space is install_size() - download_size(), the bytes
// not yet pulled down from the CDN (spec.md §6.3).
func (fs *FS) Statfs(p string, stat *fuse.Statfs_t) int {
	const blockSize = 4096
	total := fs.manifest.InstallSize()
	downloaded := fs.manifest.DownloadSize()
	var free uint64
	if downloaded < total {
		free = total - downloaded
	}
	blocks := (total + blockSize - 1) / blockSize
	freeBlocks := free / blockSize
	*stat = fuse.Statfs_t{}
	stat.Bsize = blockSize
	stat.Frsize = blockSize
	stat.Blocks = blocks
	stat.Bfree = freeBlocks
	stat.Bavail = freeBlocks
	stat.Files = uint64(len(fs.manifest.Files))
	stat.Namemax = 255
	return 0
}

// Mount starts the FUSE host at mountPoint, blocking until it is
// unmounted. It reports lifecycle events through onMountOp if set.
// The configured volume label (spec.md §6.3's fixed volume label) is
// surfaced to the WinFsp/FUSE host via the standard "-o volname=" mount
// option, ahead of any caller-supplied args.
func (fs *FS) Mount(mountPoint string, args []string) bool {
	if fs.volumeLabel != "" {
		args = append([]string{"-o", "volname=" + fs.volumeLabel}, args...)
	}
	host := fuse.NewFileSystemHost(fs)
	host.SetCapReaddirPlus(true)
	ok := host.Mount(mountPoint, args)
	if fs.onMountOp != nil {
		var err error
		if !ok {
			err = errMountFailed
		}
		fs.onMountOp("mount", ok, err)
	}
	return ok
}

// Unmount stops a running host.
func Unmount(host *fuse.FileSystemHost) bool {
	return host.Unmount()
}

type mountError string

func (e mountError) Error() string { return string(e) }

const errMountFailed = mountError("mount: host.Mount returned false")
