package storage

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/janelia-flyem/labelmerge/labels"
)

func TestWriteQueueOrder(t *testing.T) {
	var q WriteQueue
	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	first := q.Go(func() error {
		<-release
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil
	})
	second := q.Go(func() error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	if err := q.Sync(ctx); err == nil {
		t.Errorf("expected Sync to time out while the first write is held\n")
	}
	cancel()

	close(release)
	if err := q.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v\n", err)
	}
	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("second write never finished\n")
	}
	if err := first.Wait(); err != nil {
		t.Errorf("first write failed: %v\n", err)
	}
	if !reflect.DeepEqual(order, []int{1, 2}) {
		t.Errorf("writes applied out of order: %v\n", order)
	}
}

func TestMemoryReadSeesDispatchedWrites(t *testing.T) {
	store, err := NewMemoryStore().LabelStore("seg", []int{3, 2, 2})
	if err != nil {
		t.Fatalf("can't create label store: %v\n", err)
	}
	var futures []*Future
	for i := 0; i < 20; i++ {
		vol, _ := labels.NewVolumeFromData([]int{2, 2}, []uint64{uint64(i), 1, 2, 3})
		futures = append(futures, store.WriteSlice([]int{1}, vol))
		got, err := store.ReadSlice(context.Background(), []int{1})
		if err != nil {
			t.Fatalf("can't read slice: %v\n", err)
		}
		if got.Data()[0] != uint64(i) {
			t.Fatalf("read after write %d saw %v\n", i, got.Data())
		}
	}
	for _, f := range futures {
		if err := f.Wait(); err != nil {
			t.Errorf("write failed: %v\n", err)
		}
	}
}
