// Package segment computes the byte-range plan for a download.
package segment

// MinSegmentSize is the floor below which a resource is never split.
const MinSegmentSize = 1024 * 1024 // 1MB

// targetSegments is the parallelism the planner aims for on large files.
const targetSegments = 8

// Range is one inclusive byte range [Start, End] of the remote resource.
type Range struct {
	Start int64
	End   int64
}

// Size returns the number of bytes covered by the range.
func (r Range) Size() int64 {
	return r.End - r.Start + 1
}

// Plan splits totalSize bytes into non-overlapping ranges covering
// [0, totalSize). Files at or under MinSegmentSize get a single range;
// larger files are split into roughly targetSegments ranges, never
// smaller than MinSegmentSize each except for a shorter final range
// covering the remainder.
func Plan(totalSize int64) []Range {
	if totalSize <= 0 {
		return nil
	}
	if totalSize <= MinSegmentSize {
		return []Range{{Start: 0, End: totalSize - 1}}
	}
	segmentSize := totalSize / targetSegments
	if segmentSize < MinSegmentSize {
		segmentSize = MinSegmentSize
	}
	var ranges []Range
	for start := int64(0); start < totalSize; start += segmentSize {
		end := start + segmentSize - 1
		if end > totalSize-1 {
			end = totalSize - 1
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}
