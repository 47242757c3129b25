package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"

	"github.com/blang/semver"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		dvid.Errorf("Unable to make semver in basic engine: %v\n", err)
	}
	RegisterEngine(basicEngine{"basic", "In-memory label volumes", ver})
}

// basicEngine keeps label volumes in memory.  It is useful for testing and for
// editing sessions that don't need to outlive the server.
type basicEngine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e basicEngine) GetName() string {
	return e.name
}

func (e basicEngine) GetDescription() string {
	return e.desc
}

func (e basicEngine) GetSemVer() semver.Version {
	return e.semver
}

func (e basicEngine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

func (e basicEngine) NewStore(config dvid.StoreConfig) (Store, bool, error) {
	return NewMemoryStore(), true, nil
}

// MemoryStore is a Store holding label volumes in memory.
type MemoryStore struct {
	sync.Mutex
	volumes map[string]*memoryVolume
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{volumes: make(map[string]*memoryVolume)}
}

func (s *MemoryStore) String() string {
	s.Lock()
	defer s.Unlock()
	return fmt.Sprintf("memory store with %d volumes", len(s.volumes))
}

func (s *MemoryStore) LabelStore(name string, shape []int) (LabelStore, error) {
	s.Lock()
	defer s.Unlock()
	if v, found := s.volumes[name]; found {
		if err := sameShape(v.vol.Shape(), shape); err != nil {
			return nil, fmt.Errorf("label volume %q: %v", name, err)
		}
		return v, nil
	}
	vol, err := labels.NewVolume(shape)
	if err != nil {
		return nil, fmt.Errorf("label volume %q: %v", name, err)
	}
	v := &memoryVolume{name: name, vol: vol}
	s.volumes[name] = v
	return v, nil
}

func (s *MemoryStore) Close() {}

func sameShape(have, want []int) error {
	if len(have) != len(want) {
		return fmt.Errorf("existing shape %v differs from requested %v", have, want)
	}
	for i := range have {
		if have[i] != want[i] {
			return fmt.Errorf("existing shape %v differs from requested %v", have, want)
		}
	}
	return nil
}

type memoryVolume struct {
	sync.RWMutex
	name   string
	vol    *labels.Volume
	writes WriteQueue
}

func (v *memoryVolume) String() string {
	return fmt.Sprintf("memory label volume %q %v", v.name, v.vol.Shape())
}

func (v *memoryVolume) Shape() []int {
	return v.vol.Shape()
}

func (v *memoryVolume) ReadSlice(ctx context.Context, idx []int) (*labels.Volume, error) {
	if err := v.writes.Sync(ctx); err != nil {
		return nil, err
	}
	v.RLock()
	defer v.RUnlock()
	slice, err := v.vol.Slice(idx)
	if err != nil {
		return nil, err
	}
	return slice.Copy(), nil
}

func (v *memoryVolume) WriteSlice(idx []int, vol *labels.Volume) *Future {
	if err := CheckSlice(v.vol.Shape(), idx, vol); err != nil {
		return Finished(err)
	}
	snapshot := vol.Copy()
	idx = append([]int(nil), idx...)
	return v.writes.Go(func() error {
		v.Lock()
		defer v.Unlock()
		slice, err := v.vol.Slice(idx)
		if err != nil {
			return err
		}
		copy(slice.Data(), snapshot.Data())
		return nil
	})
}
