// Package buffer tracks which frames of a sequence are already fetched, as a set of
// inclusive ranges that merge on insertion and split on point removal.
package buffer

import (
	"math"
	"sort"

	"github.com/google/uuid"
)

// entry is a range plus the identity its metadata is keyed by.
type entry struct {
	Range
	id uuid.UUID
}

// Manager maintains the buffered ranges of one playback session.
//
// Untagged ranges are kept sorted, non-overlapping and non-adjacent. Ranges carrying
// metadata are excluded from merging and are stored ahead of the merged ranges.
//
// Metadata is addressed by the range's current index but stored against the range's
// own id, so re-sorting never moves a tag onto a different range.
//
// A Manager is not safe for concurrent use.
type Manager struct {
	ranges   []entry
	metadata map[uuid.UUID]string
}

// NewManager returns a manager seeded with initial, kept in the given order.
func NewManager(initial ...Range) *Manager {
	m := &Manager{metadata: make(map[uuid.UUID]string)}
	for _, r := range initial {
		m.ranges = append(m.ranges, entry{Range: r, id: uuid.New()})
	}
	return m
}

// Len returns the number of ranges held.
func (m *Manager) Len() int {
	return len(m.ranges)
}

// Ranges returns a copy of the ranges in their current order.
func (m *Manager) Ranges() []Range {
	out := make([]Range, len(m.ranges))
	for i, e := range m.ranges {
		out[i] = e.Range
	}
	return out
}

// Metadata returns the tags keyed by current range index.
func (m *Manager) Metadata() map[int]string {
	out := make(map[int]string)
	for i, e := range m.ranges {
		if tag, ok := m.metadata[e.id]; ok {
			out[i] = tag
		}
	}
	return out
}

// TotalFramesInBuffer sums the length of every range.
func (m *Manager) TotalFramesInBuffer() int {
	total := 0
	for _, e := range m.ranges {
		total += e.Len()
	}
	return total
}

// AddMetadataToBufferRange tags the range at index. Out-of-range indices are ignored.
func (m *Manager) AddMetadataToBufferRange(index int, tag string) {
	if index < 0 || index >= len(m.ranges) {
		return
	}
	m.metadata[m.ranges[index].id] = tag
}

// RemoveMetadataFromBufferRange clears the tag of the range at index.
func (m *Manager) RemoveMetadataFromBufferRange(index int) {
	if index < 0 || index >= len(m.ranges) {
		return
	}
	delete(m.metadata, m.ranges[index].id)
}

// GetMetadataForBufferRange returns the tag of the range at index.
func (m *Manager) GetMetadataForBufferRange(index int) (string, bool) {
	if index < 0 || index >= len(m.ranges) {
		return "", false
	}
	tag, ok := m.metadata[m.ranges[index].id]
	return tag, ok
}

// IndexOfMetadata returns the index of the first range tagged with tag, or -1.
func (m *Manager) IndexOfMetadata(tag string) int {
	for i, e := range m.ranges {
		if t, ok := m.metadata[e.id]; ok && t == tag {
			return i
		}
	}
	return -1
}

// AddNewRange inserts r and merges it with overlapping or adjacent untagged ranges.
// Tagged ranges are left as they are.
func (m *Manager) AddNewRange(r Range) error {
	return m.addRange(r, "", true)
}

// AddNewRangeMergingTagged inserts r and merges across every range, tagged or not.
// A merged run keeps the tag of its first range; tags of absorbed ranges are dropped.
func (m *Manager) AddNewRangeMergingTagged(r Range) error {
	return m.addRange(r, "", false)
}

// AddNewRangeWithMetadata inserts r already tagged, so it is never absorbed by a merge.
func (m *Manager) AddNewRangeWithMetadata(r Range, tag string) error {
	return m.addRange(r, tag, true)
}

func (m *Manager) addRange(r Range, tag string, ignoreRangesWithMetadata bool) error {
	if err := r.Validate(); err != nil {
		return err
	}

	added := entry{Range: r, id: uuid.New()}
	if tag != "" {
		m.metadata[added.id] = tag
	}

	all := make([]entry, 0, len(m.ranges)+1)
	all = append(all, m.ranges...)
	all = append(all, added)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Start < all[j].Start
	})

	var tagged, mergeable []entry
	for _, e := range all {
		if _, ok := m.metadata[e.id]; ok && ignoreRangesWithMetadata {
			tagged = append(tagged, e)
			continue
		}
		mergeable = append(mergeable, e)
	}

	if len(mergeable) == 0 {
		m.ranges = tagged
		return nil
	}

	stack := []entry{mergeable[0]}
	for _, candidate := range mergeable[1:] {
		top := &stack[len(stack)-1]
		if top.End != math.MaxInt && candidate.Start > top.End+1 {
			stack = append(stack, candidate)
			continue
		}
		if candidate.End > top.End {
			top.End = candidate.End
		}
		delete(m.metadata, candidate.id)
	}

	m.ranges = append(tagged, stack...)
	return nil
}

// ContainsRange reports whether a single held range covers all of r.
func (m *Manager) ContainsRange(r Range) bool {
	for _, e := range m.ranges {
		if e.Contains(r) {
			return true
		}
	}
	return false
}

// GetRangeIndexForFrame returns the index of the first range holding frame, or -1.
func (m *Manager) GetRangeIndexForFrame(frame int) int {
	for i, e := range m.ranges {
		if e.ContainsFrame(frame) {
			return i
		}
	}
	return -1
}

// IsValueInBuffer reports whether any range holds value.
func (m *Manager) IsValueInBuffer(value int) bool {
	return m.GetRangeIndexForFrame(value) != -1
}

// RemoveRangeAtIndex deletes the range at index together with its metadata.
func (m *Manager) RemoveRangeAtIndex(index int) {
	if index < 0 || index >= len(m.ranges) {
		return
	}
	delete(m.metadata, m.ranges[index].id)
	m.ranges = append(m.ranges[:index:index], m.ranges[index+1:]...)
}

// RemoveBufferValue drops a single frame, shrinking or splitting the range that holds it.
// The pieces are re-inserted untagged.
func (m *Manager) RemoveBufferValue(value int) {
	m.removeValueAt(m.GetRangeIndexForFrame(value), value)
}

// RemoveUntaggedBufferValue is RemoveBufferValue restricted to ranges without metadata.
// Tagged ranges holding value are left intact.
func (m *Manager) RemoveUntaggedBufferValue(value int) {
	index := -1
	for i, e := range m.ranges {
		if _, tagged := m.metadata[e.id]; !tagged && e.ContainsFrame(value) {
			index = i
			break
		}
	}
	m.removeValueAt(index, value)
}

func (m *Manager) removeValueAt(index, value int) {
	if index == -1 {
		return
	}
	r := m.ranges[index].Range
	m.RemoveRangeAtIndex(index)

	switch {
	case r.Start == r.End:
	case value == r.Start:
		_ = m.AddNewRange(Range{Start: r.Start + 1, End: r.End})
	case value == r.End:
		_ = m.AddNewRange(Range{Start: r.Start, End: r.End - 1})
	default:
		_ = m.AddNewRange(Range{Start: r.Start, End: value - 1})
		_ = m.AddNewRange(Range{Start: value + 1, End: r.End})
	}
}

// BufferedFrames counts the frames held by untagged ranges. Once any range has been
// added these are disjoint, so unlike TotalFramesInBuffer no frame is counted twice.
func (m *Manager) BufferedFrames() int {
	total := 0
	for _, e := range m.ranges {
		if _, tagged := m.metadata[e.id]; !tagged {
			total += e.Len()
		}
	}
	return total
}

// Reset drops every range and all metadata.
func (m *Manager) Reset() {
	m.ranges = nil
	m.metadata = make(map[uuid.UUID]string)
}

// GetUnprocessedBufferRange returns the part of r not yet buffered, judged only by the
// range holding r.Start: gaps after that range's end are not examined. It returns false
// when r is fully covered.
func (m *Manager) GetUnprocessedBufferRange(r Range) (Range, bool) {
	index := m.GetRangeIndexForFrame(r.Start)
	if index == -1 {
		return r, true
	}
	end := m.ranges[index].End
	if end == math.MaxInt || end+1 > r.End {
		return Range{}, false
	}
	return Range{Start: end + 1, End: r.End}, true
}
