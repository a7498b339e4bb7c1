package journal

import (
	"testing"
)

func TestParseName(t *testing.T) {
	seq, ts, err := parseSegmentName("123-20230101T000000")
	if err != nil {
		t.Fatal(err)
	}
	if e := uint32(123); seq != e {
		t.Errorf("seq = %v, expected %v", seq, e)
	}
	if e := uint32(1672531200); ts != e {
		t.Errorf("ts = %v, expected %v", ts, e)
	}
}

func TestFormatName(t *testing.T) {
	name := formatSegmentName("x", "y", 123, 1672531200)
	exp := "x000000000123-20230101T000000y"
	if name != exp {
		t.Errorf("name = %q, expected %q", name, exp)
	}
}

func TestRecordHeader_lowBitClear(t *testing.T) {
	for _, size := range []int{1, 63, 64, 127, 128, 1 << 20} {
		h := appendRecordHeader(nil, size, 5)
		if h[0]&trailerFlag != 0 {
			t.Errorf("size %d: header %x has the trailer bit set", size, h)
		}
	}
}
