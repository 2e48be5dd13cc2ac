package notify

import (
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var changeCmp = cmpopts.EquateEmpty()

func TestDiffObject(t *testing.T) {
	old := db.Row{"name": "Alice", "age": int64(30), "tags": []any{"a"}}
	new := db.Row{"name": "Alice", "age": int64(31), "tags": []any{"a", "b"}, "email": "a@x"}

	tests := []struct {
		name  string
		props []string
		want  []PropertyChange
	}{
		{
			name: "all properties",
			want: []PropertyChange{
				{Name: "age", Old: int64(30), New: int64(31)},
				{Name: "email", Old: nil, New: "a@x"},
				{Name: "tags", Old: []any{"a"}, New: []any{"a", "b"}},
			},
		},
		{
			name:  "filtered",
			props: []string{"name", "age"},
			want:  []PropertyChange{{Name: "age", Old: int64(30), New: int64(31)}},
		},
		{
			name:  "unchanged",
			props: []string{"name"},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffObject(old, new, tt.props)
			if diff := cmp.Diff(tt.want, got, changeCmp); diff != "" {
				t.Errorf("DiffObject() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "")
}

func TestDiffSequence(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     CollectionChange
	}{
		{name: "equal", old: "abc", new: "abc"},
		{name: "append", old: "abc", new: "abcd", want: CollectionChange{Insertions: []int{3}}},
		{name: "prepend", old: "abc", new: "xabc", want: CollectionChange{Insertions: []int{0}}},
		{name: "remove middle", old: "abcd", new: "abd", want: CollectionChange{Deletions: []int{2}}},
		{name: "clear", old: "abc", new: "", want: CollectionChange{Deletions: []int{0, 1, 2}}},
		{name: "from empty", old: "", new: "ab", want: CollectionChange{Insertions: []int{0, 1}}},
		{
			name: "scattered set difference",
			old:  "abcdef", new: "bxdfy",
			want: CollectionChange{Deletions: []int{0, 2, 4}, Insertions: []int{1, 4}},
		},
		{
			name: "move",
			old:  "abcd", new: "dabc",
			want: CollectionChange{Deletions: []int{3}, Insertions: []int{0}},
		},
		{
			name: "duplicates",
			old:  "aaba", new: "abaa",
			want: CollectionChange{Deletions: []int{1}, Insertions: []int{2}},
		},
		{
			name: "replace",
			old:  "abc", new: "axc",
			want: CollectionChange{Deletions: []int{1}, Insertions: []int{1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffSequence(split(tt.old), split(tt.new), nil)
			if diff := cmp.Diff(tt.want, got, changeCmp); diff != "" {
				t.Errorf("DiffSequence(%q, %q) mismatch (-want +got):\n%s", tt.old, tt.new, diff)
			}
		})
	}
}

func TestDiffSequenceModifications(t *testing.T) {
	old := []string{"a", "b", "c", "d"}
	new := []string{"x", "b", "c", "d"}
	modified := map[string]bool{"b": true, "d": true}

	got := DiffSequence(old, new, func(i, j int) bool {
		if old[i] != new[j] {
			t.Errorf("Matched unequal elements %s, %s", old[i], new[j])
		}
		return modified[old[i]]
	})
	want := CollectionChange{
		Deletions:        []int{0},
		Insertions:       []int{0},
		Modifications:    []int{1, 3},
		ModificationsNew: []int{1, 3},
	}
	if diff := cmp.Diff(want, got, changeCmp); diff != "" {
		t.Errorf("DiffSequence() mismatch (-want +got):\n%s", diff)
	}
}

// apply replays a change on old and must produce new.
func apply(old []string, c CollectionChange, new []string) []string {
	out := slices.Clone(old)
	for i := len(c.Deletions) - 1; i >= 0; i-- {
		out = slices.Delete(out, c.Deletions[i], c.Deletions[i]+1)
	}
	for _, i := range c.Insertions {
		out = slices.Insert(out, i, new[i])
	}
	return out
}

func TestDiffSequenceReplays(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	randomSeq := func(n, alphabet int) []string {
		s := make([]string, n)
		for i := range s {
			s[i] = string(rune('a' + r.Intn(alphabet)))
		}
		return s
	}

	for i := 0; i < 300; i++ {
		old := randomSeq(r.Intn(20), 5)
		new := randomSeq(r.Intn(20), 5)
		c := DiffSequence(old, new, nil)
		if got := apply(old, c, new); !slices.Equal(got, new) {
			t.Fatalf("Replaying %+v on %v gave %v, want %v", c, old, got, new)
		}
	}
}

func TestDiffSequenceLargeReorder(t *testing.T) {
	defer func(prev int) { MaxLCSCells = prev }(MaxLCSCells)
	MaxLCSCells = 4

	old := split("abcdef")
	new := split("fedcba")
	c := DiffSequence(old, new, nil)
	if len(c.Deletions) != 6 || len(c.Insertions) != 6 {
		t.Errorf("Expected full replacement above the LCS limit, got %+v", c)
	}
	if got := apply(old, c, new); !slices.Equal(got, new) {
		t.Errorf("Replay gave %v", got)
	}
}

func TestDiffDictionary(t *testing.T) {
	old := map[string]any{"a": int64(1), "b": int64(2), "c": db.Link(5)}
	new := map[string]any{"b": int64(3), "c": db.Link(5), "d": int64(4)}

	got := DiffDictionary(old, new, func(k string) bool { return k == "c" })
	want := CollectionChange{
		DeletedKeys:  []string{"a"},
		InsertedKeys: []string{"d"},
		ModifiedKeys: []string{"b", "c"},
	}
	if diff := cmp.Diff(want, got, changeCmp); diff != "" {
		t.Errorf("DiffDictionary() mismatch (-want +got):\n%s", diff)
	}
	if !DiffDictionary(old, old, nil).Empty() {
		t.Error("Diff of equal dictionaries should be empty")
	}
}

func TestCollectionChangeEmpty(t *testing.T) {
	if !(CollectionChange{From: 1, To: 2}).Empty() {
		t.Error("Change without indices should be empty")
	}
	if (CollectionChange{RootDeleted: true}).Empty() {
		t.Error("Root deletion is not empty")
	}
}

func TestReplacedInPlace(t *testing.T) {
	tests := []struct {
		name     string
		old, new []string
		want     CollectionChange
	}{
		{"set one", []string{"123", "456"}, []string{"123", "345"},
			CollectionChange{Modifications: []int{1}, ModificationsNew: []int{1}}},
		{"set two", []string{"a", "b", "c"}, []string{"x", "b", "y"},
			CollectionChange{Modifications: []int{0, 2}, ModificationsNew: []int{0, 2}}},
		{"move", []string{"a", "b"}, []string{"b", "a"},
			DiffSequence([]string{"a", "b"}, []string{"b", "a"}, nil)},
		{"unchanged", []string{"a"}, []string{"a"}, CollectionChange{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := replacedInPlace(DiffSequence(tt.old, tt.new, nil))
			if diff := cmp.Diff(tt.want, got, changeCmp); diff != "" {
				t.Errorf("change mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
