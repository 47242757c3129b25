/*
Package layer provides in-process label, points and dims layers that can
be handed to merge.Merge.  A Registry holds named layers for a server.
*/
package layer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/points"
	"github.com/janelia-flyem/labelmerge/storage"
	"github.com/janelia-flyem/labelmerge/transform"
)

// RefreshFunc is called when a region of a label layer has been rewritten.
type RefreshFunc func(name string, region labels.Region)

// Labels is a label volume backed by a storage.LabelStore.
type Labels struct {
	storage.LabelStore

	name    string
	toWorld *transform.Affine

	mu        sync.Mutex
	onRefresh []RefreshFunc
	refreshes uint64
	last      labels.Region
}

// NewLabels returns a label layer over store.  A nil toWorld is the identity.
func NewLabels(name string, store storage.LabelStore, toWorld *transform.Affine) (*Labels, error) {
	ndim := len(store.Shape())
	if toWorld == nil {
		toWorld = transform.Identity(ndim)
	}
	if toWorld.NumDims() != ndim {
		return nil, fmt.Errorf("labels %q: %d-d transform given for %d-d volume", name, toWorld.NumDims(), ndim)
	}
	return &Labels{LabelStore: store, name: name, toWorld: toWorld}, nil
}

func (l *Labels) Name() string {
	return l.name
}

func (l *Labels) DataToWorld() (*transform.Affine, error) {
	return l.toWorld, nil
}

// OnRefresh adds a function called on every refresh.
func (l *Labels) OnRefresh(fn RefreshFunc) {
	l.mu.Lock()
	l.onRefresh = append(l.onRefresh, fn)
	l.mu.Unlock()
}

// Refresh records the changed region and notifies refresh listeners.
func (l *Labels) Refresh(region labels.Region) {
	l.mu.Lock()
	l.refreshes++
	l.last = region
	fns := append([]RefreshFunc(nil), l.onRefresh...)
	l.mu.Unlock()

	dvid.Debugf("Refreshing labels %q region %s\n", l.name, region)
	for _, fn := range fns {
		fn(l.name, region)
	}
}

// Refreshes returns the number of refreshes and the last refreshed region.
func (l *Labels) Refreshes() (uint64, labels.Region) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes, l.last
}

// Points is a mutable set of marker points of fixed width.
type Points struct {
	name    string
	width   int
	toWorld *transform.Affine

	mu   sync.RWMutex
	data points.Set
}

// NewPoints returns an empty points layer.  A nil toWorld is the identity.
func NewPoints(name string, width int, toWorld *transform.Affine) (*Points, error) {
	if width <= 0 {
		return nil, fmt.Errorf("points %q must have positive width, not %d", name, width)
	}
	if toWorld == nil {
		toWorld = transform.Identity(width)
	}
	if toWorld.NumDims() != width {
		return nil, fmt.Errorf("points %q: %d-d transform given for %d-d points", name, toWorld.NumDims(), width)
	}
	return &Points{name: name, width: width, toWorld: toWorld}, nil
}

func (p *Points) Name() string {
	return p.name
}

func (p *Points) Width() int {
	return p.width
}

func (p *Points) DataToWorld() (*transform.Affine, error) {
	return p.toWorld, nil
}

// Data returns a copy of the current points.
func (p *Points) Data() points.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data.Copy()
}

func (p *Points) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data)
}

func (p *Points) check(pts points.Set) error {
	for i, pt := range pts {
		if len(pt) != p.width {
			return fmt.Errorf("point %d has %d coordinates, points %q need %d", i, len(pt), p.name, p.width)
		}
	}
	return nil
}

// Add appends points.
func (p *Points) Add(pts points.Set) error {
	if err := p.check(pts); err != nil {
		return err
	}
	p.mu.Lock()
	p.data = append(p.data, pts.Copy()...)
	p.mu.Unlock()
	return nil
}

// Replace sets the points, checking their width.
func (p *Points) Replace(pts points.Set) error {
	if err := p.check(pts); err != nil {
		return err
	}
	p.mu.Lock()
	p.data = pts.Copy()
	p.mu.Unlock()
	return nil
}

// SetData replaces all points.  Points of the wrong width are dropped and
// logged.
func (p *Points) SetData(pts points.Set) {
	if err := p.Replace(pts); err != nil {
		dvid.Errorf("Dropping points: %v\n", err)
	}
}

// Dims holds the current step of a viewer.
type Dims struct {
	mu   sync.RWMutex
	step []int
}

// NewDims returns dims at the given step.
func NewDims(step []int) *Dims {
	return &Dims{step: append([]int(nil), step...)}
}

func (d *Dims) CurrentStep() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]int(nil), d.step...)
}

// SetCurrentStep moves the viewer.  The number of axes may not change.
func (d *Dims) SetCurrentStep(step []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(step) != len(d.step) {
		return fmt.Errorf("current step has %d axes, got %v", len(d.step), step)
	}
	for i, c := range step {
		if c < 0 {
			return fmt.Errorf("negative position %d on axis %d", c, i)
		}
	}
	d.step = append([]int(nil), step...)
	return nil
}

// Registry holds the named layers served together.
type Registry struct {
	Dims *Dims

	mu     sync.RWMutex
	labels map[string]*Labels
	points map[string]*Points
}

func NewRegistry(dims *Dims) *Registry {
	return &Registry{
		Dims:   dims,
		labels: make(map[string]*Labels),
		points: make(map[string]*Points),
	}
}

func (r *Registry) AddLabels(l *Labels) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.labels[l.name]; found {
		return fmt.Errorf("labels %q already registered", l.name)
	}
	r.labels[l.name] = l
	return nil
}

func (r *Registry) AddPoints(p *Points) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.points[p.name]; found {
		return fmt.Errorf("points %q already registered", p.name)
	}
	r.points[p.name] = p
	return nil
}

func (r *Registry) Labels(name string) (*Labels, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, found := r.labels[name]
	return l, found
}

func (r *Registry) Points(name string) (*Points, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, found := r.points[name]
	return p, found
}

// LabelNames returns the sorted names of the label layers.
func (r *Registry) LabelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.labels))
	for name := range r.labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PointNames returns the sorted names of the points layers.
func (r *Registry) PointNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.points))
	for name := range r.points {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
