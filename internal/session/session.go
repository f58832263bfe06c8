// Package session holds the canonical client state: the active layer set
// and its ordering, per-layer display settings, favorites, query results,
// and the map viewport. The rendering surface is always a projection of
// this state, never a source of it; the one exception is the viewport,
// which the surface reports back and the store folds in after debouncing.
//
// Every mutation runs in two phases: the state change is applied under the
// store's lock, then reconciliation, persistence, and subscriber
// notification run as post-commit tasks on a single background goroutine.
// Side effects never execute inside a mutation, so a rendering surface that
// emits events synchronously while being mutated cannot re-enter the store.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"

	"github.com/openregio/regiomap/internal/catalog"
	"github.com/openregio/regiomap/internal/coord"
	"github.com/openregio/regiomap/internal/query"
	"github.com/openregio/regiomap/internal/render"
)

// DefaultOpacity seeds a layer's opacity on first activation.
const DefaultOpacity = 0.8

// ErrNotInCatalog is returned for operations naming a layer id the catalog
// does not know.
var ErrNotInCatalog = errors.New("layer is not in the catalog")

// ErrOrderMismatch is returned when a reorder sequence is not a permutation
// of the active layer set.
var ErrOrderMismatch = errors.New("order sequence is not a permutation of the active layers")

// LayerResolver looks up layer descriptors by id. *catalog.Catalog
// satisfies it; tests substitute a fixture.
type LayerResolver interface {
	Get(id string) (catalog.Layer, bool)
}

// Viewport is the camera state of the map.
type Viewport struct {
	Center  orb.Point `json:"center"`
	Zoom    float64   `json:"zoom"`
	Bearing float64   `json:"bearing"`
}

// ResultKind names one of the two query-result slots.
type ResultKind string

// The two result slots.
const (
	SearchResults ResultKind = "search"
	ClickResults  ResultKind = "click"
)

// State is the session aggregate. All maps and slices belong to the store;
// Get returns a deep copy.
type State struct {
	Basemap string
	// Order holds the active layer ids bottom to top: the last entry
	// renders topmost. Its set is exactly the active set.
	Order      []string
	Opacity    map[string]float64
	Visibility map[string]bool
	Favorites  map[string]bool
	// SearchableFields maps layer id to the user's chosen search field
	// subset. Empty or absent means all supported field types.
	SearchableFields map[string][]string

	SearchResults []query.Result
	SearchVisible bool

	ClickResults      []query.Result
	ClickLocation     orb.Point
	ClickPanelVisible bool

	Viewport Viewport
}

// IsActive reports whether a layer id is in the active set.
func (s *State) IsActive(id string) bool {
	for _, v := range s.Order {
		if v == id {
			return true
		}
	}
	return false
}

// Saver persists a snapshot of session state. A Load with ok=false means
// no usable stored state exists; the store starts from defaults.
type Saver interface {
	Save(Snapshot) error
	Load() (Snapshot, bool)
}

// Store is the session state holder.
type Store struct {
	resolver LayerResolver
	log      *slog.Logger
	saver    Saver
	debounce time.Duration

	mu       sync.Mutex
	st       State
	rec      *render.Reconciler
	mapReady bool

	subsMu sync.RWMutex
	subs   map[chan State]struct{}

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	searchEpoch atomic.Uint64
	clickEpoch  atomic.Uint64

	vpMu      sync.Mutex
	vpTimer   *time.Timer
	pendingVP Viewport
}

// Option configures a Store.
type Option func(*Store)

// WithSaver attaches a persistence backend.
func WithSaver(s Saver) Option {
	return func(st *Store) { st.saver = s }
}

// WithViewportDebounce overrides the camera-move debounce interval.
func WithViewportDebounce(d time.Duration) Option {
	return func(st *Store) { st.debounce = d }
}

// WithLogger sets the store's logger.
func WithLogger(log *slog.Logger) Option {
	return func(st *Store) { st.log = log }
}

// NewStore creates a session store. If a saver is attached and holds a
// snapshot, the snapshot is applied; ids unknown to the resolver are
// dropped so every stored reference points at a real catalog layer.
func NewStore(resolver LayerResolver, opts ...Option) *Store {
	s := &Store{
		resolver: resolver,
		log:      slog.Default(),
		debounce: 100 * time.Millisecond,
		subs:     make(map[chan State]struct{}),
		tasks:    make(chan func(), 64),
		done:     make(chan struct{}),
		st: State{
			Opacity:          make(map[string]float64),
			Visibility:       make(map[string]bool),
			Favorites:        make(map[string]bool),
			SearchableFields: make(map[string][]string),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.saver != nil {
		if snap, ok := s.saver.Load(); ok {
			s.applySnapshot(snap)
		}
	}

	go s.run()
	return s
}

// run drains post-commit tasks in FIFO order until the store is closed.
func (s *Store) run() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Close stops the background task runner after draining pending tasks.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// enqueue schedules a post-commit task. Tasks enqueued after Close are
// dropped.
func (s *Store) enqueue(fn func()) {
	select {
	case <-s.done:
	case s.tasks <- fn:
	}
}

// Flush blocks until every post-commit task enqueued so far has run.
func (s *Store) Flush() {
	ch := make(chan struct{})
	s.enqueue(func() { close(ch) })
	select {
	case <-ch:
	case <-s.done:
	}
}

// Get returns a deep copy of the current state. No subscription is needed
// for a synchronous read.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.st)
}

// Subscribe returns a channel receiving a state copy after every commit.
// Slow subscribers miss intermediate states rather than blocking commits.
func (s *Store) Subscribe() chan State {
	ch := make(chan State, 16)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(ch chan State) {
	s.subsMu.Lock()
	delete(s.subs, ch)
	s.subsMu.Unlock()
	close(ch)
}

// notify fans the current state out to subscribers, non-blocking.
func (s *Store) notify() {
	st := s.Get()
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// AttachMap connects the rendering surface. Reconciliation stays off until
// MapReady signals the surface has finished loading its style.
func (s *Store) AttachMap(m render.Map) {
	s.mu.Lock()
	s.rec = render.NewReconciler(m, s.log)
	s.mu.Unlock()
}

// MapReady marks the surface loaded and runs a full reconciliation.
func (s *Store) MapReady() {
	s.mu.Lock()
	s.mapReady = true
	s.mu.Unlock()
	s.enqueue(s.reconcile)
	s.enqueue(s.notify)
}

// ToggleLayer flips a layer's active-set membership. Activation appends the
// layer to the top of the render order and seeds defaults; deactivation
// removes it from the order but keeps its opacity, visibility, and favorite
// records for a later reactivation.
func (s *Store) ToggleLayer(id string) error {
	if _, ok := s.resolver.Get(id); !ok {
		return fmt.Errorf("toggle %s: %w", id, ErrNotInCatalog)
	}

	s.mu.Lock()
	if s.st.IsActive(id) {
		s.st.Order = removeID(s.st.Order, id)
	} else {
		s.st.Order = append(s.st.Order, id)
		if _, ok := s.st.Opacity[id]; !ok {
			s.st.Opacity[id] = DefaultOpacity
		}
		if _, ok := s.st.Visibility[id]; !ok {
			s.st.Visibility[id] = true
		}
	}
	s.mu.Unlock()

	s.afterCommit()
	return nil
}

// ReorderLayers replaces the render order wholesale. The new sequence must
// be a permutation of the active set.
func (s *Store) ReorderLayers(newOrder []string) error {
	s.mu.Lock()
	if !isPermutation(s.st.Order, newOrder) {
		s.mu.Unlock()
		return ErrOrderMismatch
	}
	s.st.Order = append([]string{}, newOrder...)
	s.mu.Unlock()

	s.afterCommit()
	return nil
}

// SetOpacity stores a layer's opacity, clamped to [0,1], and updates the
// live rendering primitive directly rather than waiting for a full
// reconciliation.
func (s *Store) SetOpacity(id string, v float64) error {
	layer, ok := s.resolver.Get(id)
	if !ok {
		return fmt.Errorf("set opacity %s: %w", id, ErrNotInCatalog)
	}
	v = clamp01(v)

	s.mu.Lock()
	s.st.Opacity[id] = v
	visible := s.st.Visibility[id]
	s.mu.Unlock()

	s.enqueue(func() {
		if rec, ready := s.renderer(); ready {
			rec.ApplyOpacity(render.LayerState{Layer: layer, Opacity: v, Visible: visible})
		}
	})
	s.enqueue(s.persist)
	s.enqueue(s.notify)
	return nil
}

// SetVisibility flips a layer's visibility, updating the live rendering
// primitive directly.
func (s *Store) SetVisibility(id string, visible bool) error {
	layer, ok := s.resolver.Get(id)
	if !ok {
		return fmt.Errorf("set visibility %s: %w", id, ErrNotInCatalog)
	}

	s.mu.Lock()
	s.st.Visibility[id] = visible
	opacity := s.st.Opacity[id]
	s.mu.Unlock()

	s.enqueue(func() {
		if rec, ready := s.renderer(); ready {
			rec.ApplyVisibility(render.LayerState{Layer: layer, Opacity: opacity, Visible: visible})
		}
	})
	s.enqueue(s.persist)
	s.enqueue(s.notify)
	return nil
}

// ToggleFavorite flips a layer's favorite flag.
func (s *Store) ToggleFavorite(id string) error {
	if _, ok := s.resolver.Get(id); !ok {
		return fmt.Errorf("toggle favorite %s: %w", id, ErrNotInCatalog)
	}

	s.mu.Lock()
	if s.st.Favorites[id] {
		delete(s.st.Favorites, id)
	} else {
		s.st.Favorites[id] = true
	}
	s.mu.Unlock()

	s.enqueue(s.persist)
	s.enqueue(s.notify)
	return nil
}

// Favorites returns the favorited layers that still resolve in the catalog,
// sorted by id for a stable listing.
func (s *Store) Favorites() []catalog.Layer {
	s.mu.Lock()
	ids := make([]string, 0, len(s.st.Favorites))
	for id := range s.st.Favorites {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var out []catalog.Layer
	for _, id := range ids {
		if layer, ok := s.resolver.Get(id); ok {
			out = append(out, layer)
		}
	}
	return out
}

// SetSearchableFields replaces a layer's searchable-field selection. An
// empty selection means all supported field types.
func (s *Store) SetSearchableFields(id string, fieldNames []string) error {
	if _, ok := s.resolver.Get(id); !ok {
		return fmt.Errorf("set searchable fields %s: %w", id, ErrNotInCatalog)
	}

	s.mu.Lock()
	if len(fieldNames) == 0 {
		delete(s.st.SearchableFields, id)
	} else {
		s.st.SearchableFields[id] = append([]string{}, fieldNames...)
	}
	s.mu.Unlock()

	s.enqueue(s.persist)
	s.enqueue(s.notify)
	return nil
}

// ToggleSearchableField adds or removes one field from a layer's
// searchable-field selection.
func (s *Store) ToggleSearchableField(id, fieldName string) error {
	if _, ok := s.resolver.Get(id); !ok {
		return fmt.Errorf("toggle searchable field %s: %w", id, ErrNotInCatalog)
	}

	s.mu.Lock()
	fields := s.st.SearchableFields[id]
	i := indexOf(fields, fieldName)
	if i >= 0 {
		fields = append(fields[:i], fields[i+1:]...)
	} else {
		fields = append(fields, fieldName)
	}
	if len(fields) == 0 {
		delete(s.st.SearchableFields, id)
	} else {
		s.st.SearchableFields[id] = fields
	}
	s.mu.Unlock()

	s.enqueue(s.persist)
	s.enqueue(s.notify)
	return nil
}

// SetBasemap switches the active basemap and re-runs a full
// reconciliation, since the new style's layer list invalidates the previous
// insertion anchor.
func (s *Store) SetBasemap(id string) {
	s.mu.Lock()
	s.st.Basemap = id
	s.mu.Unlock()

	s.afterCommit()
}

// BeginSearch opens a new search request epoch. The returned epoch must be
// passed to SetSearchResults; results from a superseded epoch are
// discarded, so a slow stale response can never overwrite newer results.
func (s *Store) BeginSearch() uint64 {
	return s.searchEpoch.Add(1)
}

// SetSearchResults replaces the search result slot if epoch is still
// current.
func (s *Store) SetSearchResults(epoch uint64, results []query.Result) {
	if epoch != s.searchEpoch.Load() {
		s.log.Debug("discarding stale search results", "epoch", epoch)
		return
	}

	s.mu.Lock()
	s.st.SearchResults = results
	s.st.SearchVisible = len(results) > 0
	s.mu.Unlock()

	s.enqueue(s.paintResults)
	s.enqueue(s.notify)
}

// BeginClickQuery opens a new click-query request epoch.
func (s *Store) BeginClickQuery() uint64 {
	return s.clickEpoch.Add(1)
}

// SetClickQueryResults replaces the click result slot if epoch is still
// current. A non-empty result set reveals the results panel.
func (s *Store) SetClickQueryResults(epoch uint64, results []query.Result, location orb.Point) {
	if epoch != s.clickEpoch.Load() {
		s.log.Debug("discarding stale click results", "epoch", epoch)
		return
	}

	s.mu.Lock()
	s.st.ClickResults = results
	s.st.ClickLocation = location
	s.st.ClickPanelVisible = len(results) > 0
	s.mu.Unlock()

	s.enqueue(s.paintResults)
	s.enqueue(s.notify)
}

// ClearResults empties one result slot and repaints the overlays from
// whatever the other slot still holds.
func (s *Store) ClearResults(kind ResultKind) {
	s.mu.Lock()
	switch kind {
	case SearchResults:
		s.st.SearchResults = nil
		s.st.SearchVisible = false
	case ClickResults:
		s.st.ClickResults = nil
		s.st.ClickPanelVisible = false
	}
	s.mu.Unlock()

	s.enqueue(s.paintResults)
	s.enqueue(s.notify)
}

// HandleCameraMove folds a camera-move notification from the rendering
// surface back into session state. Bursts are debounced so dragging the map
// does not hammer persistence, and the fold-back never issues a camera
// command, so there is no feedback loop.
func (s *Store) HandleCameraMove(vp Viewport) {
	s.vpMu.Lock()
	defer s.vpMu.Unlock()
	s.pendingVP = vp
	if s.vpTimer != nil {
		s.vpTimer.Stop()
	}
	s.vpTimer = time.AfterFunc(s.debounce, func() {
		s.vpMu.Lock()
		pending := s.pendingVP
		s.vpMu.Unlock()

		s.mu.Lock()
		s.st.Viewport = pending
		s.mu.Unlock()

		s.enqueue(s.persist)
		s.enqueue(s.notify)
	})
}

// FocusResult moves the camera to a result from either slot: FlyTo for
// points, FitBounds for extended geometry.
func (s *Store) FocusResult(resultID string) error {
	s.mu.Lock()
	var found *query.Result
	for i := range s.st.SearchResults {
		if s.st.SearchResults[i].ID == resultID {
			found = &s.st.SearchResults[i]
			break
		}
	}
	if found == nil {
		for i := range s.st.ClickResults {
			if s.st.ClickResults[i].ID == resultID {
				found = &s.st.ClickResults[i]
				break
			}
		}
	}
	s.mu.Unlock()

	if found == nil {
		return fmt.Errorf("no result with id %s", resultID)
	}
	if found.Geometry == nil {
		return fmt.Errorf("result %s has no geometry to focus", resultID)
	}
	target := *found

	s.enqueue(func() {
		rec, ready := s.renderer()
		if !ready {
			return
		}
		if pt, ok := target.Geometry.(orb.Point); ok {
			rec.FlyTo(pt, 17)
			return
		}
		rec.FitBounds(target.Geometry.Bound())
	})
	return nil
}

// GoToCoordinate parses free-text projected coordinates, validates and
// converts them, and flies the camera there. Invalid input is rejected
// synchronously with a reason suitable for display; no remote call and no
// camera move happen.
func (s *Store) GoToCoordinate(text string) error {
	p, ok := coord.Parse(text)
	if !ok {
		return fmt.Errorf("could not read %q as easting/northing", text)
	}
	pt, err := coord.ToGeographic(p.Easting, p.Northing)
	if err != nil {
		return err
	}

	s.enqueue(func() {
		if rec, ready := s.renderer(); ready {
			rec.FlyTo(pt, 15)
		}
	})
	return nil
}

// ResetBearing eases the camera back to north-up with no pitch.
func (s *Store) ResetBearing() {
	s.mu.Lock()
	s.st.Viewport.Bearing = 0
	s.mu.Unlock()

	s.enqueue(func() {
		if rec, ready := s.renderer(); ready {
			rec.EaseTo(0, 0)
		}
	})
	s.enqueue(s.persist)
	s.enqueue(s.notify)
}

// afterCommit schedules the standard post-commit phase: reconcile the
// rendering surface, persist, notify.
func (s *Store) afterCommit() {
	s.enqueue(s.reconcile)
	s.enqueue(s.persist)
	s.enqueue(s.notify)
}

// renderer returns the reconciler when the surface is attached and loaded.
func (s *Store) renderer() (*render.Reconciler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || !s.mapReady {
		return nil, false
	}
	return s.rec, true
}

// reconcile projects the active layer list onto the rendering surface.
func (s *Store) reconcile() {
	rec, ready := s.renderer()
	if !ready {
		return
	}

	s.mu.Lock()
	order := append([]string{}, s.st.Order...)
	opacity := make(map[string]float64, len(s.st.Opacity))
	for k, v := range s.st.Opacity {
		opacity[k] = v
	}
	visibility := make(map[string]bool, len(s.st.Visibility))
	for k, v := range s.st.Visibility {
		visibility[k] = v
	}
	s.mu.Unlock()

	active := make([]render.LayerState, 0, len(order))
	for _, id := range order {
		layer, ok := s.resolver.Get(id)
		if !ok {
			continue
		}
		active = append(active, render.LayerState{
			Layer:   layer,
			Opacity: opacity[id],
			Visible: visibility[id],
		})
	}
	rec.Sync(active)
}

// paintResults redraws the result overlays from both slots.
func (s *Store) paintResults() {
	rec, ready := s.renderer()
	if !ready {
		return
	}

	s.mu.Lock()
	combined := make([]query.Result, 0, len(s.st.SearchResults)+len(s.st.ClickResults))
	combined = append(combined, s.st.SearchResults...)
	combined = append(combined, s.st.ClickResults...)
	s.mu.Unlock()

	if len(combined) == 0 {
		rec.ClearResults()
		return
	}
	rec.PaintResults(combined)
}

// persist writes a snapshot through the saver. Persistence failures degrade
// to a log line; they never surface to the mutation that triggered them.
func (s *Store) persist() {
	if s.saver == nil {
		return
	}
	if err := s.saver.Save(s.Snapshot()); err != nil {
		s.log.Warn("persisting session state failed", "error", err)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

// isPermutation reports whether b contains exactly the elements of a.
func isPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
		if seen[v] < 0 {
			return false
		}
	}
	return true
}

func cloneState(st State) State {
	out := st
	out.Order = append([]string{}, st.Order...)
	out.Opacity = make(map[string]float64, len(st.Opacity))
	for k, v := range st.Opacity {
		out.Opacity[k] = v
	}
	out.Visibility = make(map[string]bool, len(st.Visibility))
	for k, v := range st.Visibility {
		out.Visibility[k] = v
	}
	out.Favorites = make(map[string]bool, len(st.Favorites))
	for k, v := range st.Favorites {
		out.Favorites[k] = v
	}
	out.SearchableFields = make(map[string][]string, len(st.SearchableFields))
	for k, v := range st.SearchableFields {
		out.SearchableFields[k] = append([]string{}, v...)
	}
	out.SearchResults = append([]query.Result{}, st.SearchResults...)
	out.ClickResults = append([]query.Result{}, st.ClickResults...)
	return out
}
