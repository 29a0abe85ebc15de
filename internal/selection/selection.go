package selection

import (
	"encoding/json"
	"sort"
)

// ContentSelection is the immutable scope of a migration job: post ids per
// content type, settings keys and widget/config groups. An empty type means
// no items of that type.
type ContentSelection struct {
	posts    map[string]map[int64]struct{}
	settings map[string]struct{}
	groups   map[string]struct{}
}

// Builder accretes entries into a ContentSelection. It is the only mutation
// path; Build hands out a value that cannot be changed afterwards.
type Builder struct {
	sel *ContentSelection
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{sel: newSelection()}
}

func newSelection() *ContentSelection {
	return &ContentSelection{
		posts:    make(map[string]map[int64]struct{}),
		settings: make(map[string]struct{}),
		groups:   make(map[string]struct{}),
	}
}

// AddType declares a content type with no items yet
func (b *Builder) AddType(postType string) *Builder {
	if _, ok := b.sel.posts[postType]; !ok {
		b.sel.posts[postType] = make(map[int64]struct{})
	}
	return b
}

// AddPost records a (type, id) pair; duplicates collapse
func (b *Builder) AddPost(postType string, id int64) *Builder {
	b.AddType(postType)
	b.sel.posts[postType][id] = struct{}{}
	return b
}

// AddSetting records a settings key
func (b *Builder) AddSetting(key string) *Builder {
	b.sel.settings[key] = struct{}{}
	return b
}

// AddGroup records a widget/config group name
func (b *Builder) AddGroup(name string) *Builder {
	b.sel.groups[name] = struct{}{}
	return b
}

// Build returns the selection and detaches it from the builder
func (b *Builder) Build() *ContentSelection {
	sel := b.sel
	b.sel = newSelection()
	return sel
}

// PostTypes returns the selected content types in sorted order
func (s *ContentSelection) PostTypes() []string {
	types := make([]string, 0, len(s.posts))
	for t := range s.posts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IDs returns the sorted ids selected for a content type
func (s *ContentSelection) IDs(postType string) []int64 {
	ids := make([]int64, 0, len(s.posts[postType]))
	for id := range s.posts[postType] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllIDs returns every selected id regardless of type, sorted and unique
func (s *ContentSelection) AllIDs() []int64 {
	seen := make(map[int64]struct{})
	for _, ids := range s.posts {
		for id := range ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasPost reports whether (postType, id) is selected
func (s *ContentSelection) HasPost(postType string, id int64) bool {
	_, ok := s.posts[postType][id]
	return ok
}

// HasPostID reports whether id is selected under any type
func (s *ContentSelection) HasPostID(id int64) bool {
	for _, ids := range s.posts {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// HasSetting reports whether a settings key is selected
func (s *ContentSelection) HasSetting(key string) bool {
	_, ok := s.settings[key]
	return ok
}

// HasGroup reports whether a widget/config group is selected
func (s *ContentSelection) HasGroup(name string) bool {
	_, ok := s.groups[name]
	return ok
}

// Settings returns the selected settings keys, sorted
func (s *ContentSelection) Settings() []string {
	return sortedKeys(s.settings)
}

// Groups returns the selected group names, sorted
func (s *ContentSelection) Groups() []string {
	return sortedKeys(s.groups)
}

// Len is the number of (type, id) pairs plus settings keys plus groups
func (s *ContentSelection) Len() int {
	n := len(s.settings) + len(s.groups)
	for _, ids := range s.posts {
		n += len(ids)
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type wireSelection struct {
	Posts    map[string][]int64 `json:"posts"`
	Settings []string           `json:"settings"`
	Groups   []string           `json:"groups"`
}

// MarshalJSON persists the selection with the job record
func (s *ContentSelection) MarshalJSON() ([]byte, error) {
	w := wireSelection{
		Posts:    make(map[string][]int64, len(s.posts)),
		Settings: s.Settings(),
		Groups:   s.Groups(),
	}
	for _, t := range s.PostTypes() {
		w.Posts[t] = s.IDs(t)
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores a persisted selection
func (s *ContentSelection) UnmarshalJSON(data []byte) error {
	var w wireSelection
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b := NewBuilder()
	for t, ids := range w.Posts {
		b.AddType(t)
		for _, id := range ids {
			b.AddPost(t, id)
		}
	}
	for _, k := range w.Settings {
		b.AddSetting(k)
	}
	for _, g := range w.Groups {
		b.AddGroup(g)
	}
	*s = *b.Build()
	return nil
}
