package annotation

import "sort"

// Compare orders two annotations by sort index using plain string
// comparison. A missing key on either side compares equal.
func Compare(a, b Annotation) int {
	if a.SortIndex == "" || b.SortIndex == "" {
		return 0
	}
	switch {
	case a.SortIndex < b.SortIndex:
		return -1
	case a.SortIndex > b.SortIndex:
		return 1
	default:
		return 0
	}
}

// Sort orders the collection in place. Annotations without a sort index keep
// the slot they occupy; keyed annotations are stably sorted among the
// remaining slots.
func Sort(items []Annotation) {
	slots := make([]int, 0, len(items))
	keyed := make([]Annotation, 0, len(items))
	for i, item := range items {
		if item.SortIndex == "" {
			continue
		}
		slots = append(slots, i)
		keyed = append(keyed, item)
	}
	sort.SliceStable(keyed, func(i, j int) bool {
		return Compare(keyed[i], keyed[j]) < 0
	})
	for i, slot := range slots {
		items[slot] = keyed[i]
	}
}

// IsSorted reports whether the keyed annotations in items appear in
// sort index order.
func IsSorted(items []Annotation) bool {
	last := ""
	for _, item := range items {
		if item.SortIndex == "" {
			continue
		}
		if item.SortIndex < last {
			return false
		}
		last = item.SortIndex
	}
	return true
}
