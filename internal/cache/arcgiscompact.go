package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mapproxy-go/mapproxy/internal/mperror"
)

// bundleDim is the fixed edge length of one ArcGIS compact bundle, in
// tiles: a bundle always holds a 128x128 block.
const bundleDim = 128

// ArcGISCompactBackend implements the ArcGIS "compact" cache storage
// format (v1/v2): tiles are grouped into 128x128 bundles, each bundle a
// pair of files — a fixed-size index (".bundlx", one 5-byte packed offset
// per tile) and the bundle itself (".bundle", a header plus
// length-prefixed tile blobs addressed by the index). No pack example
// covered this binary layout; it is reconstructed here from the public
// ArcGIS compact-cache format description, using only encoding/binary —
// a deliberate stdlib choice, since no ecosystem library implements it.
type ArcGISCompactBackend struct {
	Root string

	mu      sync.Mutex
	bundles map[string]*bundleFile
}

// NewArcGISCompactBackend roots bundles under dir.
func NewArcGISCompactBackend(dir string) *ArcGISCompactBackend {
	return &ArcGISCompactBackend{Root: dir, bundles: make(map[string]*bundleFile)}
}

func (b *ArcGISCompactBackend) CacheLayout() string { return "arcgis-compact" }

// bundleFile is one open (bundlx, bundle) pair, keyed by level and bundle
// origin (rows/cols rounded down to a multiple of bundleDim).
type bundleFile struct {
	mu         sync.Mutex
	bundlxPath string
	bundlePath string
}

func (b *ArcGISCompactBackend) bundleKey(c TileCoord) (key string, originRow, originCol int) {
	originRow = (c.Y / bundleDim) * bundleDim
	originCol = (c.X / bundleDim) * bundleDim
	key = fmt.Sprintf("%s/L%02d/R%04xC%04x", c.Grid, c.Z, originRow, originCol)
	return
}

func (b *ArcGISCompactBackend) openBundle(c TileCoord) *bundleFile {
	key, row, col := b.bundleKey(c)
	b.mu.Lock()
	defer b.mu.Unlock()
	if bf, ok := b.bundles[key]; ok {
		return bf
	}
	dir := filepath.Join(b.Root, c.Grid, fmt.Sprintf("L%02d", c.Z))
	bf := &bundleFile{
		bundlxPath: filepath.Join(dir, fmt.Sprintf("R%04xC%04x.bundlx", row, col)),
		bundlePath: filepath.Join(dir, fmt.Sprintf("R%04xC%04x.bundle", row, col)),
	}
	b.bundles[key] = bf
	return bf
}

// tileIndex computes this tile's position within its bundle's 128x128
// block, row-major.
func tileIndex(c TileCoord) int {
	localRow := c.Y % bundleDim
	localCol := c.X % bundleDim
	return localRow*bundleDim + localCol
}

// bundlxOffset reads the 5-byte packed file offset for tile index idx out
// of a .bundlx index, or 0 if the bundle doesn't exist yet.
func bundlxOffset(path string, idx int) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	// Header is 16 bytes; each entry is 5 bytes little-endian.
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, int64(16+idx*5)); err != nil {
		return 0, err
	}
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 | uint64(buf[4])<<32, nil
}

func (b *ArcGISCompactBackend) Load(ctx context.Context, coord TileCoord) (*Tile, error) {
	bf := b.openBundle(coord)
	bf.mu.Lock()
	defer bf.mu.Unlock()

	off, err := bundlxOffset(bf.bundlxPath, tileIndex(coord))
	if err != nil {
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "bundlx read %s", bf.bundlxPath)
	}
	if off == 0 {
		return nil, nil
	}
	f, err := os.Open(bf.bundlePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "bundle open %s", bf.bundlePath)
	}
	defer f.Close()

	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, int64(off)); err != nil {
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "bundle length read %s", bf.bundlePath)
	}
	size := binary.LittleEndian.Uint32(lenBuf)
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if _, err := f.ReadAt(data, int64(off)+4); err != nil {
		return nil, mperror.Wrap(mperror.KindCacheIO, err, "bundle data read %s", bf.bundlePath)
	}
	info, _ := os.Stat(bf.bundlePath)
	mtime := time.Now()
	if info != nil {
		mtime = info.ModTime()
	}
	return &Tile{Coord: coord, Data: data, ModTime: mtime}, nil
}

// Store appends t's bytes to the bundle file and patches the bundlx index
// entry. Bundles grow monotonically (Defrag, below, is what reclaims
// space from overwritten tiles) —
// every write is append-then-index-update, so a reader using the old
// offset still sees a complete prior tile until the index patch lands.
func (b *ArcGISCompactBackend) Store(ctx context.Context, t *Tile) error {
	bf := b.openBundle(t.Coord)
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(bf.bundlePath), 0755); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "mkdir %s", filepath.Dir(bf.bundlePath))
	}
	if err := ensureBundlx(bf.bundlxPath); err != nil {
		return err
	}

	f, err := os.OpenFile(bf.bundlePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundle open %s", bf.bundlePath)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundle stat %s", bf.bundlePath)
	}
	offset := info.Size()
	if offset == 0 {
		offset = 64 // leave room for a bundle header, matching the real format's header block
	}

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(t.Data)))
	if _, err := f.WriteAt(lenBuf, offset); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundle length write %s", bf.bundlePath)
	}
	if _, err := f.WriteAt(t.Data, offset+4); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundle data write %s", bf.bundlePath)
	}

	return patchBundlxOffset(bf.bundlxPath, tileIndex(t.Coord), uint64(offset))
}

func ensureBundlx(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundlx create %s", path)
	}
	defer f.Close()
	buf := make([]byte, 16+bundleDim*bundleDim*5)
	if _, err := f.Write(buf); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundlx init %s", path)
	}
	return nil
}

func patchBundlxOffset(path string, idx int, offset uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundlx open %s", path)
	}
	defer f.Close()
	buf := []byte{
		byte(offset), byte(offset >> 8), byte(offset >> 16), byte(offset >> 24), byte(offset >> 32),
	}
	if _, err := f.WriteAt(buf, int64(16+idx*5)); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "bundlx patch %s", path)
	}
	return nil
}

func (b *ArcGISCompactBackend) Remove(ctx context.Context, coord TileCoord) error {
	bf := b.openBundle(coord)
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return patchBundlxOffset(bf.bundlxPath, tileIndex(coord), 0)
}

func (b *ArcGISCompactBackend) IsCached(ctx context.Context, coord TileCoord) (bool, error) {
	t, err := b.Load(ctx, coord)
	return t != nil, err
}

func (b *ArcGISCompactBackend) LoadMany(ctx context.Context, coords []TileCoord) ([]*Tile, error) {
	return LoopLoadMany(ctx, b, coords)
}

// Defrag rewrites every bundle under the given grid/level, dropping holes
// left by overwritten tiles — the operation named in spec.md §4.3's
// "ArcGIS compact v1/v2" backend note. It compacts by re-appending only
// the current (index-reachable) tile for each slot, in slot order, into a
// fresh bundle, then renames it over the original.
func (b *ArcGISCompactBackend) Defrag(grid string, level int) error {
	dir := filepath.Join(b.Root, grid, fmt.Sprintf("L%02d", level))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mperror.Wrap(mperror.KindCacheIO, err, "defrag readdir %s", dir)
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".bundle" {
			continue
		}
		bundlePath := filepath.Join(dir, name)
		bundlxPath := bundlePath[:len(bundlePath)-len(".bundle")] + ".bundlx"
		if err := defragOne(bundlxPath, bundlePath); err != nil {
			return err
		}
	}
	return nil
}

func defragOne(bundlxPath, bundlePath string) error {
	oldBundle, err := os.Open(bundlePath)
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "defrag open %s", bundlePath)
	}
	defer oldBundle.Close()

	tmpPath := bundlePath + ".defrag-tmp"
	newBundle, err := os.Create(tmpPath)
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "defrag create %s", tmpPath)
	}
	newBundle.Write(make([]byte, 64))

	newOffsets := make([]uint64, bundleDim*bundleDim)
	cursor := int64(64)
	for idx := 0; idx < bundleDim*bundleDim; idx++ {
		off, err := bundlxOffset(bundlxPath, idx)
		if err != nil || off == 0 {
			continue
		}
		lenBuf := make([]byte, 4)
		if _, err := oldBundle.ReadAt(lenBuf, int64(off)); err != nil {
			continue
		}
		size := binary.LittleEndian.Uint32(lenBuf)
		data := make([]byte, size)
		if _, err := oldBundle.ReadAt(data, int64(off)+4); err != nil {
			continue
		}
		newBundle.WriteAt(lenBuf, cursor)
		newBundle.WriteAt(data, cursor+4)
		newOffsets[idx] = uint64(cursor)
		cursor += 4 + int64(size)
	}
	newBundle.Close()

	if err := os.Rename(tmpPath, bundlePath); err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "defrag rename %s", bundlePath)
	}
	idxFile, err := os.OpenFile(bundlxPath, os.O_RDWR, 0644)
	if err != nil {
		return mperror.Wrap(mperror.KindCacheIO, err, "defrag reopen bundlx %s", bundlxPath)
	}
	defer idxFile.Close()
	for idx, off := range newOffsets {
		buf := []byte{byte(off), byte(off >> 8), byte(off >> 16), byte(off >> 24), byte(off >> 32)}
		idxFile.WriteAt(buf, int64(16+idx*5))
	}
	return nil
}
