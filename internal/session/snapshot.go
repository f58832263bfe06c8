package session

import "sort"

// Snapshot is the JSON-serializable projection of session state handed to
// the persistence boundary. Query results are transient and excluded.
type Snapshot struct {
	Basemap          string              `json:"basemap,omitempty"`
	Active           []string            `json:"active"`
	Order            []string            `json:"order"`
	Opacity          map[string]float64  `json:"opacity"`
	Visibility       map[string]bool     `json:"visibility"`
	Favorites        []string            `json:"favorites"`
	SearchableFields map[string][]string `json:"searchableFields"`
	Viewport         Viewport            `json:"viewport"`
}

// Snapshot projects the current state for persistence.
func (s *Store) Snapshot() Snapshot {
	st := s.Get()

	favorites := make([]string, 0, len(st.Favorites))
	for id := range st.Favorites {
		favorites = append(favorites, id)
	}
	sort.Strings(favorites)

	return Snapshot{
		Basemap:          st.Basemap,
		Active:           append([]string{}, st.Order...),
		Order:            st.Order,
		Opacity:          st.Opacity,
		Visibility:       st.Visibility,
		Favorites:        favorites,
		SearchableFields: st.SearchableFields,
		Viewport:         st.Viewport,
	}
}

// applySnapshot restores stored state. Ids the resolver does not know are
// dropped, keeping the invariant that every stored reference points at a
// layer that exists in the catalog. Called only before the store is shared.
func (s *Store) applySnapshot(snap Snapshot) {
	known := func(id string) bool {
		_, ok := s.resolver.Get(id)
		return ok
	}

	s.st.Basemap = snap.Basemap
	s.st.Order = nil
	for _, id := range snap.Order {
		if known(id) && !s.st.IsActive(id) {
			s.st.Order = append(s.st.Order, id)
		}
	}
	for id, v := range snap.Opacity {
		if known(id) {
			s.st.Opacity[id] = clamp01(v)
		}
	}
	for id, v := range snap.Visibility {
		if known(id) {
			s.st.Visibility[id] = v
		}
	}
	for _, id := range snap.Favorites {
		if known(id) {
			s.st.Favorites[id] = true
		}
	}
	for id, fields := range snap.SearchableFields {
		if known(id) && len(fields) > 0 {
			s.st.SearchableFields[id] = append([]string{}, fields...)
		}
	}
	// Active layers restored from a snapshot need display defaults even if
	// the stored maps lacked entries for them.
	for _, id := range s.st.Order {
		if _, ok := s.st.Opacity[id]; !ok {
			s.st.Opacity[id] = DefaultOpacity
		}
		if _, ok := s.st.Visibility[id]; !ok {
			s.st.Visibility[id] = true
		}
	}
	s.st.Viewport = snap.Viewport
}
