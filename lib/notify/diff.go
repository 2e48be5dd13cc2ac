package notify

import (
	"maps"
	"slices"

	"github.com/ValentinKolb/dObj/lib/db"
)

// --------------------------------------------------------------------------
// Pure Diff Functions
// --------------------------------------------------------------------------

// MaxLCSCells bounds the size of the LCS table (len(old) * len(new) after
// trimming the common prefix and suffix). Larger reorderings are reported as a
// deletion of the old and an insertion of the new middle section.
var MaxLCSCells = 4 << 20

// DiffObject compares the properties of two versions of a row. props selects
// the compared properties (all properties of both rows when empty); the
// result is ordered like props, or by name when props is empty.
func DiffObject(old, new db.Row, props []string) []PropertyChange {
	if len(props) == 0 {
		names := make(map[string]struct{}, len(old)+len(new))
		for k := range old {
			names[k] = struct{}{}
		}
		for k := range new {
			names[k] = struct{}{}
		}
		props = slices.Sorted(maps.Keys(names))
	}

	var changes []PropertyChange
	for _, name := range props {
		o, n := old[name], new[name]
		if !db.Equal(o, n) {
			changes = append(changes, PropertyChange{Name: name, Old: o, New: n})
		}
	}
	return changes
}

// DiffSequence computes the deletions, insertions and modifications that turn
// old into new. Elements are matched by equality; a matched pair is reported as
// a modification if modified returns true for it (modified may be nil).
//
// Common prefixes and suffixes are matched first. If the remaining elements are
// unique and keep their relative order the result is a plain set difference,
// otherwise a longest common subsequence is computed.
func DiffSequence[K comparable](old, new []K, modified func(oldIdx, newIdx int) bool) CollectionChange {
	var c CollectionChange

	match := func(i, j int) {
		if modified != nil && modified(i, j) {
			c.Modifications = append(c.Modifications, i)
			c.ModificationsNew = append(c.ModificationsNew, j)
		}
	}

	// common prefix
	start := 0
	for start < len(old) && start < len(new) && old[start] == new[start] {
		match(start, start)
		start++
	}

	// common suffix
	endOld, endNew := len(old), len(new)
	var suffix [][2]int
	for endOld > start && endNew > start && old[endOld-1] == new[endNew-1] {
		endOld--
		endNew--
		suffix = append(suffix, [2]int{endOld, endNew})
	}

	midOld, midNew := old[start:endOld], new[start:endNew]
	var pairs [][2]int
	switch {
	case len(midOld) == 0 || len(midNew) == 0:
	case orderPreserved(midOld, midNew):
		pairs = setPairs(midOld, midNew)
	case len(midOld)*len(midNew) <= MaxLCSCells:
		pairs = lcsPairs(midOld, midNew)
	}

	// walk the middle section, emitting everything that is not matched
	i, j := 0, 0
	for _, p := range append(pairs, [2]int{len(midOld), len(midNew)}) {
		for ; i < p[0]; i++ {
			c.Deletions = append(c.Deletions, start+i)
		}
		for ; j < p[1]; j++ {
			c.Insertions = append(c.Insertions, start+j)
		}
		if p[0] < len(midOld) {
			match(start+p[0], start+p[1])
			i, j = p[0]+1, p[1]+1
		}
	}

	for k := len(suffix) - 1; k >= 0; k-- {
		match(suffix[k][0], suffix[k][1])
	}
	return c
}

// orderPreserved reports whether both sequences hold unique elements and the
// elements they share appear in the same relative order.
func orderPreserved[K comparable](old, new []K) bool {
	inOld := make(map[K]struct{}, len(old))
	for _, k := range old {
		if _, dup := inOld[k]; dup {
			return false
		}
		inOld[k] = struct{}{}
	}
	inNew := make(map[K]struct{}, len(new))
	for _, k := range new {
		if _, dup := inNew[k]; dup {
			return false
		}
		inNew[k] = struct{}{}
	}

	j := 0
	for _, k := range old {
		if _, ok := inNew[k]; !ok {
			continue
		}
		for j < len(new) {
			if _, ok := inOld[new[j]]; ok {
				break
			}
			j++
		}
		if j == len(new) || new[j] != k {
			return false
		}
		j++
	}
	return true
}

// setPairs matches the shared elements of two order-preserving sequences.
func setPairs[K comparable](old, new []K) [][2]int {
	pos := make(map[K]int, len(new))
	for j, k := range new {
		pos[k] = j
	}
	var pairs [][2]int
	for i, k := range old {
		if j, ok := pos[k]; ok {
			pairs = append(pairs, [2]int{i, j})
		}
	}
	return pairs
}

// lcsPairs returns the index pairs of a longest common subsequence.
func lcsPairs[K comparable](old, new []K) [][2]int {
	n, m := len(old), len(new)
	// table[i][j] = LCS length of old[i:] and new[j:]
	table := make([][]int32, n+1)
	for i := range table {
		table[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if old[i] == new[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else {
				table[i][j] = max(table[i+1][j], table[i][j+1])
			}
		}
	}

	var pairs [][2]int
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case old[i] == new[j]:
			pairs = append(pairs, [2]int{i, j})
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			i++
		default:
			j++
		}
	}
	return pairs
}

// DiffDictionary compares two versions of a dictionary by key. A key present in
// both is modified if its value changed or modified (may be nil) reports true.
// All key slices are sorted.
func DiffDictionary(old, new map[string]any, modified func(key string) bool) CollectionChange {
	var c CollectionChange
	for _, k := range slices.Sorted(maps.Keys(old)) {
		nv, ok := new[k]
		switch {
		case !ok:
			c.DeletedKeys = append(c.DeletedKeys, k)
		case !db.Equal(old[k], nv) || (modified != nil && modified(k)):
			c.ModifiedKeys = append(c.ModifiedKeys, k)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(new)) {
		if _, ok := old[k]; !ok {
			c.InsertedKeys = append(c.InsertedKeys, k)
		}
	}
	return c
}
