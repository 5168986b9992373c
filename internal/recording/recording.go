// Package recording models the camera-side segments the pipeline ingests
// and the grouping rules that bind consecutive segments into one match.
package recording

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// GroupDirLayout is the directory-name encoding of a group's start time.
const GroupDirLayout = "2006.01.02-15.04.05"

// GroupProximity is the maximum gap between the end of one segment and
// the start of the next for both to belong to the same group. A gap of
// exactly this duration is still the same group.
const GroupProximity = time.Second * 5

// Segment is a single recording file produced by the camera. Two
// segments are the same physical recording iff their local paths are
// equal.
type Segment struct {
	RemotePath string
	LocalPath  string
	Start      time.Time
	End        time.Time
	Size       int64
	Metadata   map[string]string
}

func (s Segment) String() string {
	return fmt.Sprintf("Segment{remote=%s start=%s end=%s size=%d}", s.RemotePath, s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339), s.Size)
}

// FormatGroupDir encodes a group start time as its directory name.
func FormatGroupDir(start time.Time) string {
	return start.Format(GroupDirLayout)
}

// ParseGroupDir decodes a group directory name back into the group's
// start time. The name must be the bare directory name, not a path.
func ParseGroupDir(name string) (time.Time, error) {
	start, err := time.ParseInLocation(GroupDirLayout, name, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("'%s' is not a valid group directory name: %w", name, err)
	}

	return start, nil
}

// IsGroupDir reports whether the directory name encodes a group start time.
func IsGroupDir(name string) bool {
	_, err := ParseGroupDir(name)
	return err == nil
}

// SameGroup applies the proximity rule: a segment starting within
// GroupProximity of the previous segment's end joins that group.
func SameGroup(previousEnd time.Time, nextStart time.Time) bool {
	if previousEnd.IsZero() {
		return false
	}

	gap := nextStart.Sub(previousEnd)
	return gap <= GroupProximity
}

// Assigner folds a time-ordered stream of segments into group start
// times. The zero value starts a fresh grouping; Seed restores the tail
// of a previous run so groups can span process restarts.
type Assigner struct {
	groupStart time.Time
	lastEnd    time.Time
}

func (a *Assigner) Seed(groupStart time.Time, lastEnd time.Time) {
	a.groupStart = groupStart
	a.lastEnd = lastEnd
}

// Assign returns the group start time the segment belongs to, opening a
// new group when the proximity rule breaks.
func (a *Assigner) Assign(seg Segment) time.Time {
	if a.groupStart.IsZero() || !SameGroup(a.lastEnd, seg.Start) {
		a.groupStart = seg.Start
	}

	a.lastEnd = seg.End
	return a.groupStart
}

// GroupStart returns the start time of the group currently being assembled.
func (a *Assigner) GroupStart() time.Time { return a.groupStart }

// LastEnd returns the end time of the most recently assigned segment.
func (a *Assigner) LastEnd() time.Time { return a.lastEnd }

var clockPrefixPattern = regexp.MustCompile(`^(\d{2})\.(\d{2})\.(\d{2})`)

// SortSegmentPaths orders segment file paths by the start-of-day clock
// time embedded at the front of their file names (the camera's
// HH.MM.SS-HH.MM.SS convention), falling back to a lexicographic
// comparison of the base names when no clock prefix is present.
func SortSegmentPaths(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := sortKey(paths[i]), sortKey(paths[j])
		return a < b
	})
}

func sortKey(path string) string {
	base := filepath.Base(path)
	if m := clockPrefixPattern.FindString(base); m != "" {
		return m
	}

	return strings.ToLower(base)
}
