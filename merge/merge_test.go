package merge

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/points"
	"github.com/janelia-flyem/labelmerge/storage"
	"github.com/janelia-flyem/labelmerge/transform"
)

type testDims []int

func (d testDims) CurrentStep() []int { return d }

type testLabels struct {
	storage.LabelStore
	toWorld *transform.Affine

	mu        sync.Mutex
	writes    int
	refreshed []labels.Region
	refreshCh chan labels.Region
}

func newTestLabels(t *testing.T, shape []int, data []uint64, toWorld *transform.Affine) *testLabels {
	store, err := storage.NewMemoryStore().LabelStore("segmentation", shape)
	if err != nil {
		t.Fatalf("unable to make label store: %v\n", err)
	}
	vol, err := labels.NewVolumeFromData(shape, data)
	if err != nil {
		t.Fatalf("bad test volume: %v\n", err)
	}
	if err := store.WriteSlice(nil, vol).Wait(); err != nil {
		t.Fatalf("unable to write test volume: %v\n", err)
	}
	if toWorld == nil {
		toWorld = transform.Identity(len(shape))
	}
	return &testLabels{LabelStore: store, toWorld: toWorld, refreshCh: make(chan labels.Region, 10)}
}

func (l *testLabels) WriteSlice(idx []int, vol *labels.Volume) *storage.Future {
	l.mu.Lock()
	l.writes++
	l.mu.Unlock()
	return l.LabelStore.WriteSlice(idx, vol)
}

func (l *testLabels) DataToWorld() (*transform.Affine, error) { return l.toWorld, nil }

func (l *testLabels) Refresh(region labels.Region) {
	l.mu.Lock()
	l.refreshed = append(l.refreshed, region)
	l.mu.Unlock()
	l.refreshCh <- region
}

func (l *testLabels) numWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

func (l *testLabels) all(t *testing.T) []uint64 {
	vol, err := l.ReadSlice(context.Background(), nil)
	if err != nil {
		t.Fatalf("unable to read labels: %v\n", err)
	}
	return vol.Data()
}

type testPoints struct {
	data    points.Set
	toWorld *transform.Affine
	cleared int
}

func (p *testPoints) Data() points.Set                        { return p.data }
func (p *testPoints) DataToWorld() (*transform.Affine, error) { return p.toWorld, nil }
func (p *testPoints) SetData(s points.Set) {
	if len(s) == 0 {
		p.cleared++
	}
	p.data = s
}

func newTestPoints(ndim int, pts ...[]float64) *testPoints {
	return &testPoints{data: pts, toWorld: transform.Identity(ndim)}
}

var exampleLabels = []uint64{
	1, 1, 2,
	1, 2, 2,
	3, 3, 0,
}

func TestMergeExample(t *testing.T) {
	lbl := newTestLabels(t, []int{3, 3}, append([]uint64(nil), exampleLabels...), nil)
	pts := newTestPoints(2, []float64{0, 0}, []float64{1.2, 1.9})

	result, err := Merge(context.Background(), testDims{0, 0}, lbl, pts, 2)
	if err != nil {
		t.Fatalf("merge failed: %v\n", err)
	}
	if result == nil || result.Write == nil {
		t.Fatalf("expected merge to dispatch a write, got %+v\n", result)
	}
	if len(pts.data) != 0 || pts.cleared != 1 {
		t.Errorf("expected points cleared once, got %v (cleared %d)\n", pts.data, pts.cleared)
	}
	if err := result.Write.Wait(); err != nil {
		t.Fatalf("write failed: %v\n", err)
	}
	expected := []uint64{
		1, 1, 1,
		1, 1, 1,
		3, 3, 0,
	}
	if got := lbl.all(t); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v after merge, got %v\n", expected, got)
	}
	if result.Op.Target != 1 || !reflect.DeepEqual(result.Merged(), []uint64{2}) {
		t.Errorf("unexpected merge op %s\n", result.Op)
	}
	if !reflect.DeepEqual(result.Coords, [][]int{{0, 0}, {1, 2}}) {
		t.Errorf("unexpected projected coords %v\n", result.Coords)
	}
	select {
	case region := <-lbl.refreshCh:
		if !reflect.DeepEqual(region.Bounds.Min, []int{0, 1}) || !reflect.DeepEqual(region.Bounds.Max, []int{1, 2}) {
			t.Errorf("unexpected refresh region %s\n", region)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("labels never refreshed\n")
	}
}

func TestMergeBackgroundOnly(t *testing.T) {
	lbl := newTestLabels(t, []int{3, 3}, append([]uint64(nil), exampleLabels...), nil)
	pts := newTestPoints(2, []float64{2, 2})

	result, err := Merge(context.Background(), testDims{0, 0}, lbl, pts, 2)
	if err != nil {
		t.Fatalf("background merge should not fail: %v\n", err)
	}
	if result.Write != nil || !result.Op.Empty() {
		t.Errorf("expected no-op for background points, got %+v\n", result)
	}
	if lbl.numWrites() != 0 {
		t.Errorf("expected no writes, got %d\n", lbl.numWrites())
	}
	if got := lbl.all(t); !reflect.DeepEqual(got, exampleLabels) {
		t.Errorf("labels changed on background merge: %v\n", got)
	}
	if len(pts.data) != 0 {
		t.Errorf("expected points cleared, got %v\n", pts.data)
	}
}

func TestMergeSingleLabel(t *testing.T) {
	lbl := newTestLabels(t, []int{3, 3}, append([]uint64(nil), exampleLabels...), nil)
	pts := newTestPoints(2, []float64{0, 0}, []float64{1, 0}, []float64{2, 2})

	result, err := Merge(context.Background(), testDims{0, 0}, lbl, pts, 2)
	if err != nil {
		t.Fatalf("single label merge failed: %v\n", err)
	}
	if !result.Op.Empty() || lbl.numWrites() != 0 {
		t.Errorf("expected no write for single label, got op %s and %d writes\n", result.Op, lbl.numWrites())
	}
	if got := lbl.all(t); !reflect.DeepEqual(got, exampleLabels) {
		t.Errorf("labels changed on single label merge: %v\n", got)
	}
}

func TestMergeEmptyPoints(t *testing.T) {
	lbl := newTestLabels(t, []int{3, 3}, append([]uint64(nil), exampleLabels...), nil)
	pts := newTestPoints(2)

	// even an invalid ndim is not checked when there is nothing to merge
	result, err := Merge(context.Background(), testDims{0, 0}, lbl, pts, 5)
	if err != nil || result != nil {
		t.Errorf("expected nil result and error for empty points, got %+v, %v\n", result, err)
	}
	if pts.cleared != 0 || lbl.numWrites() != 0 {
		t.Errorf("empty merge should touch nothing\n")
	}
}

func TestMergeInvalidNdim(t *testing.T) {
	lbl := newTestLabels(t, []int{3, 3}, append([]uint64(nil), exampleLabels...), nil)
	for _, ndim := range []int{0, 1, 4} {
		pts := newTestPoints(2, []float64{0, 0}, []float64{0, 2})
		_, err := Merge(context.Background(), testDims{0, 0}, lbl, pts, ndim)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ndim %d: expected ErrInvalidArgument, got %v\n", ndim, err)
		}
		if len(pts.data) != 0 {
			t.Errorf("ndim %d: expected points cleared on failure\n", ndim)
		}
	}
	if lbl.numWrites() != 0 {
		t.Errorf("failed merges should not write\n")
	}
}

func TestMergeDimensionMismatch(t *testing.T) {
	lbl := newTestLabels(t, []int{3, 3}, append([]uint64(nil), exampleLabels...), nil)

	// 2-d labels cannot be merged in 3-d
	pts := newTestPoints(3, []float64{0, 0, 0}, []float64{0, 0, 2})
	if _, err := Merge(context.Background(), testDims{0, 0, 0}, lbl, pts, 3); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for 3-d merge of 2-d labels, got %v\n", err)
	}

	// points transform width differs from points
	pts = &testPoints{data: points.Set{{0, 0}, {0, 2}}, toWorld: transform.Identity(3)}
	if _, err := Merge(context.Background(), testDims{0, 0}, lbl, pts, 2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for mismatched points transform, got %v\n", err)
	}

	// point projects outside the labels
	pts = newTestPoints(2, []float64{0, 0}, []float64{5, 1})
	if _, err := Merge(context.Background(), testDims{0, 0}, lbl, pts, 2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for out of bounds point, got %v\n", err)
	}
	if lbl.numWrites() != 0 {
		t.Errorf("failed merges should not write\n")
	}
}

func TestMergeTimeSeries(t *testing.T) {
	// two time points of a 2x4 plane
	data := []uint64{
		5, 5, 6, 6,
		7, 7, 0, 8,

		1, 2, 3, 4,
		1, 2, 3, 4,
	}
	lbl := newTestLabels(t, []int{2, 2, 4}, append([]uint64(nil), data...), nil)
	pts := newTestPoints(3,
		[]float64{1, 0, 0},
		[]float64{1, 1, 3},
		[]float64{0, 0, 0}, // different time point, ignored
	)
	result, err := Merge(context.Background(), testDims{1, 0, 0}, lbl, pts, 2)
	if err != nil {
		t.Fatalf("merge failed: %v\n", err)
	}
	if !reflect.DeepEqual(result.SliceIdx, []int{1}) {
		t.Errorf("expected slice [1], got %v\n", result.SliceIdx)
	}
	if err := result.Write.Wait(); err != nil {
		t.Fatalf("write failed: %v\n", err)
	}
	expected := []uint64{
		5, 5, 6, 6,
		7, 7, 0, 8,

		1, 2, 3, 1,
		1, 2, 3, 1,
	}
	if got := lbl.all(t); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v\n", expected, got)
	}
	region := <-lbl.refreshCh
	if !reflect.DeepEqual(region.SliceIdx, []int{1}) {
		t.Errorf("unexpected refresh region %s\n", region)
	}
}

func TestProjectTransforms(t *testing.T) {
	// points are in world units; labels are at 2x scale offset by 10
	labelsToWorld, err := transform.ScaleTranslate([]float64{2, 2}, []float64{10, 10})
	if err != nil {
		t.Fatalf("bad transform: %v\n", err)
	}
	pts := points.Set{{10, 10}, {13, 14.9}, {11, 15}}
	coords, err := Project(pts, []int{0, 0}, 2, transform.Identity(2), labelsToWorld)
	if err != nil {
		t.Fatalf("projection failed: %v\n", err)
	}
	// (3/2, 4.9/2) rounds to (2, 2); (1/2, 5/2) rounds halves away from zero
	expected := [][]int{{0, 0}, {2, 2}, {1, 3}}
	if !reflect.DeepEqual(coords, expected) {
		t.Errorf("expected %v, got %v\n", expected, coords)
	}

	// 3-d points over 2-d labels align on trailing axes
	coords, err = Project(points.Set{{4, 12, 12}}, []int{4, 0, 0}, 2, transform.Identity(3), labelsToWorld)
	if err != nil {
		t.Fatalf("projection failed: %v\n", err)
	}
	if !reflect.DeepEqual(coords, [][]int{{1, 1}}) {
		t.Errorf("unexpected trailing aligned coords %v\n", coords)
	}

	// no points in the displayed slice
	coords, err = Project(points.Set{{3, 12, 12}}, []int{4, 0, 0}, 2, transform.Identity(3), labelsToWorld)
	if err != nil || coords != nil {
		t.Errorf("expected no coords, got %v, %v\n", coords, err)
	}

	singular, _ := transform.ScaleTranslate([]float64{0, 1}, nil)
	if _, err := Project(pts, []int{0, 0}, 2, transform.Identity(2), singular); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for singular labels transform, got %v\n", err)
	}
}

func TestSliceIndex(t *testing.T) {
	tests := []struct {
		step     []int
		shape    []int
		ndim     int
		expected []int
		ok       bool
	}{
		{[]int{0, 0}, []int{3, 3}, 2, []int{}, true},
		{[]int{2, 5, 0, 0}, []int{4, 8, 3, 3}, 2, []int{2, 5}, true},
		{[]int{2, 5, 0, 0}, []int{8, 3, 3}, 2, []int{5}, true},
		{[]int{2, 5, 0, 0}, []int{8, 3, 3}, 3, []int{}, true},
		{[]int{0, 0}, []int{3, 3, 3}, 2, nil, false},
		{[]int{9, 0, 0}, []int{3, 3, 3}, 2, nil, false},
		{[]int{0, 0, 0}, []int{3, 3}, 3, nil, false},
	}
	for i, tc := range tests {
		idx, err := SliceIndex(tc.step, tc.shape, tc.ndim)
		if !tc.ok {
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("test %d: expected ErrInvalidState, got %v\n", i, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("test %d: unexpected error %v\n", i, err)
			continue
		}
		if len(idx) != len(tc.expected) || (len(idx) > 0 && !reflect.DeepEqual(idx, tc.expected)) {
			t.Errorf("test %d: expected %v, got %v\n", i, tc.expected, idx)
		}
	}
}
