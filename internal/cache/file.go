package cache

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// Layout selects the on-disk path template used by FileBackend, matching
// the fingerprint paths enumerated in the core design for cache
// interoperability.
type Layout string

const (
	LayoutTC      Layout = "tc"      // cache/EPSG3857/zz/xxx/xxx/xxx/yyy/yyy/yyy.format
	LayoutTMS     Layout = "tms"     // cache/EPSG3857/z/x/y.format
	LayoutArcGIS  Layout = "arcgis"  // cache/Lzz/Rxxxxxxxx/Cyyyyyyyy.format
	LayoutMP      Layout = "mp"      // cache/grid/zz/xxxx/xxxx/yyyy/yyyy.format
	LayoutQuadkey Layout = "quadkey" // cache/grid/<quadkey>.format
)

// FileBackend stores one tile per file underneath Root, laid out per
// Layout. Grounded on the teacher's internal/pmtiles/writer.go atomic
// temp-write-then-rename discipline and gisquick wmscache.go's
// MkdirAll+filepath.Join path construction.
type FileBackend struct {
	Root              string
	LayoutKind        Layout
	DirPermissions    fs.FileMode
	FilePermissions   fs.FileMode
	LinkSingleColor   bool // single-color symlink optimization, non-Windows only

	mu          sync.Mutex
	colorLinks  map[string]string // color-signature -> canonical file path
}

// NewFileBackend constructs a FileBackend with sane default permissions.
func NewFileBackend(root string, layout Layout) *FileBackend {
	return &FileBackend{
		Root:            root,
		LayoutKind:      layout,
		DirPermissions:  0755,
		FilePermissions: 0644,
		colorLinks:      make(map[string]string),
	}
}

func (f *FileBackend) CacheLayout() string { return string(f.LayoutKind) }

func (f *FileBackend) path(c TileCoord) string {
	ext := c.Format
	switch f.LayoutKind {
	case LayoutTMS:
		return filepath.Join(f.Root, c.Grid, itoa(c.Z), itoa(c.X), itoa(c.Y)+"."+ext)
	case LayoutArcGIS:
		return filepath.Join(f.Root, c.Grid, fmt.Sprintf("L%02d", c.Z), fmt.Sprintf("R%08X", c.Y), fmt.Sprintf("C%08X.%s", c.X, ext))
	case LayoutMP:
		return filepath.Join(f.Root, c.Grid, fmt.Sprintf("%02d", c.Z),
			fmt.Sprintf("%04d", c.X/10000), fmt.Sprintf("%04d", c.X%10000),
			fmt.Sprintf("%04d", c.Y/10000), fmt.Sprintf("%04d.%s", c.Y%10000, ext))
	case LayoutQuadkey:
		return filepath.Join(f.Root, c.Grid, quadkey(c.Z, c.X, c.Y)+"."+ext)
	default: // LayoutTC
		zz := fmt.Sprintf("%02d", c.Z)
		xs := fmt.Sprintf("%09d", c.X)
		ys := fmt.Sprintf("%09d", c.Y)
		return filepath.Join(f.Root, c.Grid, zz,
			xs[0:3], xs[3:6], xs[6:9],
			ys[0:3], ys[3:6], ys[6:9]+"."+ext)
	}
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

func quadkey(z, x, y int) string {
	q := make([]byte, 0, z)
	for i := z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		q = append(q, digit)
	}
	return string(q)
}

func (f *FileBackend) Load(ctx context.Context, coord TileCoord) (*Tile, error) {
	p := f.path(coord)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "stat %s", p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "read %s", p)
	}
	return &Tile{Coord: coord, Data: data, ModTime: info.ModTime()}, nil
}

// Store writes t via temp-write-then-rename for atomicity: a reader never
// observes a partial file. On first write to a directory, DirPermissions
// are applied; on first write of a file, FilePermissions are applied.
func (f *FileBackend) Store(ctx context.Context, t *Tile) error {
	p := f.path(t.Coord)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, f.DirPermissions); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "mkdir %s", dir)
	}

	if f.LinkSingleColor && runtime.GOOS != "windows" && isUniformBytes(t.Data) {
		if err := f.storeViaSymlink(p, t); err == nil {
			return nil
		}
		// fall through to a normal write if the symlink path failed
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "create temp in %s", dir)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(t.Data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return mperror.Wrap(mperror.KindCacheIO, err, "write temp %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return mperror.Wrap(mperror.KindCacheIO, err, "close temp %s", tmpPath)
	}
	if err := os.Chmod(tmpPath, f.FilePermissions); err != nil {
		os.Remove(tmpPath)
		return mperror.Wrap(mperror.KindCacheIO, err, "chmod %s", tmpPath)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return mperror.Wrap(mperror.KindCacheIO, err, "rename %s -> %s", tmpPath, p)
	}
	return nil
}

// storeViaSymlink implements the single-color link optimization: identical
// single-color tiles point to one shared file instead of each storing a
// full copy.
func (f *FileBackend) storeViaSymlink(p string, t *Tile) error {
	sig := colorSignature(t.Data)
	f.mu.Lock()
	canonical, ok := f.colorLinks[sig]
	f.mu.Unlock()

	if !ok {
		// This tile becomes the canonical file for its color; write it
		// normally (recursion guarded by LinkSingleColor check above since
		// we call the plain write path, not Store).
		if err := f.writePlain(p, t); err != nil {
			return err
		}
		f.mu.Lock()
		f.colorLinks[sig] = p
		f.mu.Unlock()
		return nil
	}
	if canonical == p {
		return nil
	}
	os.Remove(p)
	return os.Symlink(canonical, p)
}

func (f *FileBackend) writePlain(p string, t *Tile) error {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(t.Data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	os.Chmod(tmpPath, f.FilePermissions)
	return os.Rename(tmpPath, p)
}

func colorSignature(data []byte) string {
	// A cheap structural signature: exact byte-identity is what matters for
	// the optimization, so the raw bytes are the signature (short tiles
	// only go through this path by construction — uniform tiles encode to
	// a handful of bytes).
	return string(data)
}

func isUniformBytes(data []byte) bool {
	// Heuristic gate: uniform-color tiles encode to very small payloads
	// (a handful of IDAT bytes). Anything larger skips the symlink path.
	return len(data) > 0 && len(data) < 256
}

func (f *FileBackend) Remove(ctx context.Context, coord TileCoord) error {
	p := f.path(coord)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return mperror.Wrap(mperror.KindCacheIO, err, "remove %s", p)
	}
	return nil
}

func (f *FileBackend) IsCached(ctx context.Context, coord TileCoord) (bool, error) {
	_, err := os.Stat(f.path(coord))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, mperror.Wrap(mperror.KindCacheIO, err, "stat %s", f.path(coord))
}

func (f *FileBackend) LoadMany(ctx context.Context, coords []TileCoord) ([]*Tile, error) {
	return LoopLoadMany(ctx, f, coords)
}

// copyReader is a small helper kept for backends that stream rather than
// buffer. No backend in this package calls it; s3.go and blob.go buffer
// with io.ReadAll.
func copyReader(dst io.Writer, src io.Reader) (int64, error) { return io.Copy(dst, src) }

var _ = time.Now
