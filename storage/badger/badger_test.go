package badger

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/storage"

	"github.com/twinj/uuid"
)

func openTestStore(t *testing.T, settings map[string]interface{}) *BadgerDB {
	e, err := storage.GetEngine("badger")
	if err != nil {
		t.Fatalf("badger engine not registered: %v\n", err)
	}
	store, _, err := e.NewStore(dvid.StoreConfig{Config: dvid.NewConfig(settings), Engine: "badger"})
	if err != nil {
		t.Fatalf("unable to open badger store: %v\n", err)
	}
	return store.(*BadgerDB)
}

func randomSlice(t *testing.T, r *rand.Rand, shape []int) *labels.Volume {
	vol, err := labels.NewVolume(shape)
	if err != nil {
		t.Fatalf("unable to make volume: %v\n", err)
	}
	for i := range vol.Data() {
		if r.Intn(3) != 0 {
			vol.Data()[i] = uint64(r.Intn(1000)) + 1
		}
	}
	return vol
}

func TestTiledReadWrite(t *testing.T) {
	db := openTestStore(t, map[string]interface{}{
		"inmemory":    true,
		"compression": "zstd",
		"tilesize":    int64(16),
	})
	defer db.Close()

	ls, err := db.LabelStore("seg", []int{2, 3, 40, 37})
	if err != nil {
		t.Fatalf("unable to get label store: %v\n", err)
	}
	r := rand.New(rand.NewSource(7))
	slice := randomSlice(t, r, []int{3, 40, 37})
	if err := ls.WriteSlice([]int{1}, slice).Wait(); err != nil {
		t.Fatalf("write failed: %v\n", err)
	}

	got, err := ls.ReadSlice(context.Background(), []int{1})
	if err != nil {
		t.Fatalf("read failed: %v\n", err)
	}
	if !got.Equal(slice) {
		t.Errorf("read slice differs from written slice\n")
	}

	plane, err := ls.ReadSlice(context.Background(), []int{1, 2})
	if err != nil {
		t.Fatalf("plane read failed: %v\n", err)
	}
	want, _ := slice.Slice([]int{2})
	if !plane.Equal(want) {
		t.Errorf("2d plane read differs from written data\n")
	}

	empty, err := ls.ReadSlice(context.Background(), []int{0})
	if err != nil {
		t.Fatalf("read of unwritten slice failed: %v\n", err)
	}
	for _, label := range empty.Data() {
		if label != 0 {
			t.Fatalf("unwritten slice should be background\n")
		}
	}

	// overwrite with background removes tiles
	blank, _ := labels.NewVolume([]int{3, 40, 37})
	if err := ls.WriteSlice([]int{1}, blank).Wait(); err != nil {
		t.Fatalf("blank write failed: %v\n", err)
	}
	got, _ = ls.ReadSlice(context.Background(), []int{1})
	if !got.Equal(blank) {
		t.Errorf("expected background after blank write\n")
	}

	if _, err := ls.ReadSlice(context.Background(), []int{0, 0, 0}); err == nil {
		t.Errorf("expected error for 1d slice of tiled volume\n")
	}
	if err := ls.WriteSlice([]int{0}, plane).Wait(); err == nil {
		t.Errorf("expected error writing 2d data into 3d slice\n")
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("labelmerge-test-badger-%x", uuid.NewV4().Bytes()))
	defer os.RemoveAll(path)

	settings := map[string]interface{}{"path": path, "compression": "snappy"}
	db := openTestStore(t, settings)
	ls, err := db.LabelStore("seg", []int{70, 65})
	if err != nil {
		t.Fatalf("unable to get label store: %v\n", err)
	}
	slice := randomSlice(t, rand.New(rand.NewSource(11)), []int{70, 65})
	if err := ls.WriteSlice(nil, slice).Wait(); err != nil {
		t.Fatalf("write failed: %v\n", err)
	}
	db.Close()

	db = openTestStore(t, settings)
	defer db.Close()
	if _, err := db.LabelStore("seg", []int{70, 66}); err == nil {
		t.Errorf("expected error reopening with a different shape\n")
	}
	ls, err = db.LabelStore("seg", []int{70, 65})
	if err != nil {
		t.Fatalf("unable to reopen label store: %v\n", err)
	}
	got, err := ls.ReadSlice(context.Background(), nil)
	if err != nil {
		t.Fatalf("read failed: %v\n", err)
	}
	if !got.Equal(slice) {
		t.Errorf("reopened store returned different labels\n")
	}
}

func TestBadConfig(t *testing.T) {
	e, _ := storage.GetEngine("badger")
	if _, _, err := e.NewStore(dvid.StoreConfig{Config: dvid.NewConfig(nil), Engine: "badger"}); err == nil {
		t.Errorf("expected error without path\n")
	}
	bad := dvid.NewConfig(map[string]interface{}{"inmemory": true, "compression": "lz77"})
	if _, _, err := e.NewStore(dvid.StoreConfig{Config: bad, Engine: "badger"}); err == nil {
		t.Errorf("expected error for unknown compression\n")
	}
}

func TestReadSeesDispatchedWrites(t *testing.T) {
	db := openTestStore(t, map[string]interface{}{
		"inmemory": true,
		"tilesize": int64(4),
	})
	defer db.Close()

	ls, err := db.LabelStore("seg", []int{2, 8, 8})
	if err != nil {
		t.Fatalf("unable to get label store: %v\n", err)
	}
	r := rand.New(rand.NewSource(11))
	var futures []*storage.Future
	for i := 0; i < 10; i++ {
		slice := randomSlice(t, r, []int{8, 8})
		futures = append(futures, ls.WriteSlice([]int{0}, slice))
		got, err := ls.ReadSlice(context.Background(), []int{0})
		if err != nil {
			t.Fatalf("read failed: %v\n", err)
		}
		if !got.Equal(slice) {
			t.Fatalf("read after write %d did not see the dispatched write\n", i)
		}
	}
	for _, f := range futures {
		if err := f.Wait(); err != nil {
			t.Errorf("write failed: %v\n", err)
		}
	}
}
