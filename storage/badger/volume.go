package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/storage"

	"github.com/coocood/freecache"
	"github.com/dgraph-io/badger/v3"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// labelVolume stores a label volume as 2d tiles over its last two axes.  Tiles
// that are entirely background are not stored.
type labelVolume struct {
	sync.RWMutex

	db       *BadgerDB
	name     string
	shape    []int
	tileSize int
	writes   storage.WriteQueue
}

func (v *labelVolume) String() string {
	return fmt.Sprintf("label volume %q %v in %s", v.name, v.shape, v.db)
}

func (v *labelVolume) Shape() []int {
	return append([]int(nil), v.shape...)
}

// tileRef locates one tile: the absolute coordinates of its plane on the
// leading axes, its tile position, and its position within the slice.
type tileRef struct {
	plane    []int
	relPlane []int
	ty, tx   int
}

// tilesOf enumerates every tile of the slice fixed by idx.
func (v *labelVolume) tilesOf(idx []int) []tileRef {
	n := len(v.shape)
	planeAxes := v.shape[len(idx) : n-2]
	ny := (v.shape[n-2] + v.tileSize - 1) / v.tileSize
	nx := (v.shape[n-1] + v.tileSize - 1) / v.tileSize

	var refs []tileRef
	counter := make([]int, len(planeAxes))
	for {
		rel := append([]int(nil), counter...)
		plane := append(append([]int(nil), idx...), rel...)
		for ty := 0; ty < ny; ty++ {
			for tx := 0; tx < nx; tx++ {
				refs = append(refs, tileRef{plane: plane, relPlane: rel, ty: ty, tx: tx})
			}
		}
		// advance the odometer over plane axes
		i := len(counter) - 1
		for ; i >= 0; i-- {
			counter[i]++
			if counter[i] < planeAxes[i] {
				break
			}
			counter[i] = 0
		}
		if i < 0 {
			return refs
		}
	}
}

// extent returns the tile's [y0,y1) x [x0,x1) region within its plane.
func (v *labelVolume) extent(t tileRef) (y0, y1, x0, x1 int) {
	n := len(v.shape)
	y0, x0 = t.ty*v.tileSize, t.tx*v.tileSize
	y1, x1 = y0+v.tileSize, x0+v.tileSize
	if y1 > v.shape[n-2] {
		y1 = v.shape[n-2]
	}
	if x1 > v.shape[n-1] {
		x1 = v.shape[n-1]
	}
	return
}

func (v *labelVolume) checkIndex(idx []int) error {
	if len(idx) > len(v.shape)-2 {
		return fmt.Errorf("slice index %v leaves fewer than 2 axes of %d-d volume %q", idx, len(v.shape), v.name)
	}
	return storage.CheckSlice(v.shape, idx, nil)
}

func (v *labelVolume) getTile(key []byte) ([]byte, error) {
	if raw, err := v.db.cache.Get(key); err == nil {
		return raw, nil
	} else if err != freecache.ErrNotFound {
		dvid.Errorf("tile cache error for %s: %v\n", v, err)
	}
	var stored []byte
	err := v.db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if err != nil || stored == nil {
		return nil, err
	}
	raw, _, err := dvid.DeserializeData(stored)
	if err != nil {
		return nil, err
	}
	v.cacheTile(key, raw)
	return raw, nil
}

func (v *labelVolume) cacheTile(key, raw []byte) {
	if err := v.db.cache.Set(key, raw, 0); err != nil {
		dvid.Debugf("not caching %s tile: %v\n", humanize.Bytes(uint64(len(raw))), err)
	}
}

func (v *labelVolume) ReadSlice(ctx context.Context, idx []int) (*labels.Volume, error) {
	if err := v.checkIndex(idx); err != nil {
		return nil, err
	}
	out, err := labels.NewVolume(v.shape[len(idx):])
	if err != nil {
		return nil, err
	}

	if err := v.writes.Sync(ctx); err != nil {
		return nil, err
	}
	v.RLock()
	defer v.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, t := range v.tilesOf(idx) {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := v.getTile(tileKey(v.name, t.plane, t.ty, t.tx))
			if err != nil {
				return fmt.Errorf("tile %v (%d,%d) of %s: %v", t.plane, t.ty, t.tx, v, err)
			}
			if raw == nil {
				return nil
			}
			plane, err := out.Slice(t.relPlane)
			if err != nil {
				return err
			}
			return v.unpackTile(t, raw, plane)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// unpackTile copies little-endian tile labels into the plane; tiles are
// disjoint so concurrent unpacking into one plane is safe.
func (v *labelVolume) unpackTile(t tileRef, raw []byte, plane *labels.Volume) error {
	y0, y1, x0, x1 := v.extent(t)
	w := x1 - x0
	if len(raw) != 8*w*(y1-y0) {
		return fmt.Errorf("tile %v (%d,%d) of %s has %d bytes, expected %d", t.plane, t.ty, t.tx, v, len(raw), 8*w*(y1-y0))
	}
	width := v.shape[len(v.shape)-1]
	data := plane.Data()
	for y := y0; y < y1; y++ {
		row := data[y*width+x0 : y*width+x1]
		src := raw[(y-y0)*w*8:]
		for x := range row {
			row[x] = binary.LittleEndian.Uint64(src[x*8:])
		}
	}
	return nil
}

// packTile returns the tile's labels as little-endian bytes, or nil if the
// tile is all background.
func (v *labelVolume) packTile(t tileRef, plane *labels.Volume) []byte {
	y0, y1, x0, x1 := v.extent(t)
	w := x1 - x0
	width := v.shape[len(v.shape)-1]
	data := plane.Data()
	raw := make([]byte, 8*w*(y1-y0))
	var nonzero bool
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			label := data[y*width+x]
			if label != 0 {
				nonzero = true
			}
			binary.LittleEndian.PutUint64(raw[((y-y0)*w+x-x0)*8:], label)
		}
	}
	if !nonzero {
		return nil
	}
	return raw
}

type tileWrite struct {
	key   []byte
	raw   []byte
	value []byte
}

func (v *labelVolume) WriteSlice(idx []int, vol *labels.Volume) *storage.Future {
	if err := v.checkIndex(idx); err != nil {
		return storage.Finished(err)
	}
	if err := storage.CheckSlice(v.shape, idx, vol); err != nil {
		return storage.Finished(err)
	}
	snapshot := vol.Copy()
	idx = append([]int(nil), idx...)
	return v.writes.Go(func() error {
		return v.writeSlice(idx, snapshot)
	})
}

func (v *labelVolume) writeSlice(idx []int, vol *labels.Volume) error {
	timedLog := dvid.NewTimeLog()
	refs := v.tilesOf(idx)
	writes := make([]tileWrite, len(refs))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, t := range refs {
		i, t := i, t
		g.Go(func() error {
			plane, err := vol.Slice(t.relPlane)
			if err != nil {
				return err
			}
			writes[i].key = tileKey(v.name, t.plane, t.ty, t.tx)
			writes[i].raw = v.packTile(t, plane)
			if writes[i].raw == nil {
				return nil
			}
			writes[i].value, err = dvid.SerializeData(writes[i].raw, v.db.config.compression, dvid.CRC32)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("unable to serialize slice %v of %s: %v", idx, v, err)
	}

	v.Lock()
	defer v.Unlock()

	wb := v.db.bdp.NewWriteBatch()
	var stored uint64
	for _, w := range writes {
		var err error
		if w.value == nil {
			err = wb.Delete(w.key)
		} else {
			err = wb.Set(w.key, w.value)
			stored += uint64(len(w.value))
		}
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("unable to write slice %v of %s: %v", idx, v, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("unable to flush slice %v of %s: %v", idx, v, err)
	}
	for _, w := range writes {
		if w.raw == nil {
			v.db.cache.Del(w.key)
		} else {
			v.cacheTile(w.key, w.raw)
		}
	}
	timedLog.Debugf("Wrote slice %v of %s: %d tiles, %s", idx, v, len(writes), humanize.Bytes(stored))
	return nil
}
