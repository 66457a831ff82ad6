package segment

import "testing"

const mib = 1024 * 1024

func TestPlanSmallFileSingleSegment(t *testing.T) {
	tests := []struct {
		name string
		size int64
	}{
		{"one byte", 1},
		{"500KiB", 500 * 1024},
		{"exactly 1MiB", mib},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges := Plan(tt.size)
			if len(ranges) != 1 {
				t.Fatalf("Plan(%d) produced %d ranges, want 1", tt.size, len(ranges))
			}
			if ranges[0].Start != 0 || ranges[0].End != tt.size-1 {
				t.Errorf("Plan(%d) = [%d, %d], want [0, %d]", tt.size, ranges[0].Start, ranges[0].End, tt.size-1)
			}
		})
	}
}

func TestPlanTenMiBGivesEightSegments(t *testing.T) {
	ranges := Plan(10 * mib)
	if len(ranges) != 8 {
		t.Fatalf("got %d ranges, want 8", len(ranges))
	}
	for i, r := range ranges {
		if r.Size() != 10*mib/8 {
			t.Errorf("range %d has size %d, want %d", i, r.Size(), 10*mib/8)
		}
	}
}

func TestPlanZeroAndNegative(t *testing.T) {
	if ranges := Plan(0); ranges != nil {
		t.Errorf("Plan(0) = %v, want nil", ranges)
	}
	if ranges := Plan(-5); ranges != nil {
		t.Errorf("Plan(-5) = %v, want nil", ranges)
	}
}

// Ranges must partition [0, totalSize) exactly: contiguous, disjoint, and
// every segment but the last at least MinSegmentSize.
func TestPlanCoversExactly(t *testing.T) {
	sizes := []int64{
		mib + 1,
		2 * mib,
		5*mib + 137,
		8 * mib,
		10 * mib,
		10*mib + 1,
		100*mib + 999,
		3 * 1024 * mib,
	}
	for _, size := range sizes {
		ranges := Plan(size)
		if len(ranges) == 0 {
			t.Fatalf("Plan(%d) produced no ranges", size)
		}
		var next int64
		for i, r := range ranges {
			if r.Start != next {
				t.Fatalf("Plan(%d): range %d starts at %d, want %d", size, i, r.Start, next)
			}
			if r.End < r.Start {
				t.Fatalf("Plan(%d): range %d is empty", size, i)
			}
			if i < len(ranges)-1 && r.Size() < MinSegmentSize {
				t.Errorf("Plan(%d): non-final range %d has size %d, below the floor", size, i, r.Size())
			}
			next = r.End + 1
		}
		if next != size {
			t.Errorf("Plan(%d): ranges cover [0, %d)", size, next)
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	a := Plan(42 * mib)
	b := Plan(42 * mib)
	if len(a) != len(b) {
		t.Fatalf("plans differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("range %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
