package rangeset

import (
	"math/rand"
	"testing"
)

func assertInvariants(t *testing.T, s *Set) {
	t.Helper()
	ranges := s.Ranges()
	var sum int64
	for i, r := range ranges {
		if r.Start >= r.End {
			t.Fatalf("range %d is not well-formed: %+v", i, r)
		}
		sum += r.Length()
		if i > 0 && ranges[i-1].End >= r.Start {
			t.Fatalf("ranges %d and %d overlap or are adjacent: %+v %+v", i-1, i, ranges[i-1], r)
		}
	}
	if sum != s.TotalBytes() {
		t.Fatalf("total_bytes %d != sum of lengths %d", s.TotalBytes(), sum)
	}
}

func TestAddSubtractRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := New()
	for i := 0; i < 2000; i++ {
		start := int64(rng.Intn(1000))
		end := start + int64(rng.Intn(200)+1)
		if rng.Intn(2) == 0 {
			s.Add(Range{Start: start, End: end})
		} else {
			s.Subtract(Range{Start: start, End: end})
		}
		assertInvariants(t, s)
	}
}

func TestContainsRangeEquivalentToNoGaps(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 100})
	s.Add(Range{Start: 200, End: 300})

	cases := []struct{ start, end int64 }{
		{0, 50}, {50, 100}, {0, 100}, {90, 110}, {200, 300}, {0, 300},
	}
	for _, c := range cases {
		gaps := s.Gaps(c.start, c.end)
		got := s.ContainsRange(c.start, c.end)
		want := len(gaps) == 0
		if got != want {
			t.Errorf("ContainsRange(%d,%d)=%v but gaps=%v", c.start, c.end, got, gaps)
		}
	}
}

func TestContainedLengthFromMatchesContains(t *testing.T) {
	s := New()
	s.Add(Range{Start: 10, End: 20})
	for pos := int64(0); pos < 30; pos++ {
		length := s.ContainedLengthFrom(pos)
		contains := s.Contains(pos)
		if (length > 0) != contains {
			t.Errorf("pos %d: length=%d contains=%v mismatch", pos, length, contains)
		}
	}
}

func TestAddMergesAdjacent(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 10})
	s.Add(Range{Start: 10, End: 20})
	ranges := s.Ranges()
	if len(ranges) != 1 || ranges[0] != (Range{Start: 0, End: 20}) {
		t.Errorf("expected merged single range, got %+v", ranges)
	}
}

func TestAddUnionEquivalence(t *testing.T) {
	// add(a) then add(b) == add(a ∪ b) when they form one contiguous range.
	a := Range{Start: 0, End: 50}
	b := Range{Start: 50, End: 100}
	union := Range{Start: 0, End: 100}

	s1 := New()
	s1.Add(a)
	s1.Add(b)

	s2 := New()
	s2.Add(union)

	if len(s1.Ranges()) != 1 || s1.Ranges()[0] != s2.Ranges()[0] {
		t.Errorf("add(a) then add(b) != add(union): %+v vs %+v", s1.Ranges(), s2.Ranges())
	}
}

func TestGapsOrderedAndSorted(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 64 * 1024})
	s.Add(Range{Start: 512 * 1024, End: 576 * 1024})

	gaps := s.Gaps(0, 640*1024)
	if len(gaps) != 2 {
		t.Fatalf("expected 2 gaps, got %d: %+v", len(gaps), gaps)
	}
	want := []Range{{Start: 64 * 1024, End: 512 * 1024}, {Start: 576 * 1024, End: 640 * 1024}}
	if gaps[0] != want[0] || gaps[1] != want[1] {
		t.Errorf("got %+v, want %+v", gaps, want)
	}
}

func TestSubtractSplits(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 100})
	s.Subtract(Range{Start: 40, End: 60})
	ranges := s.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges after split, got %+v", ranges)
	}
	if ranges[0] != (Range{Start: 0, End: 40}) || ranges[1] != (Range{Start: 60, End: 100}) {
		t.Errorf("unexpected split result: %+v", ranges)
	}
}
