package coltype

import "testing"

func TestEncodeDecodeInt(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 1 << 20, -(1 << 20)} {
		buf := EncodeInt(v)
		if got := DecodeInt(buf); got != v {
			t.Fatalf("int round trip: want %d got %d", v, got)
		}
	}
}

func TestEncodeDecodeFloat(t *testing.T) {
	for _, v := range []float32{0, 1.5, -3.25, 100.0} {
		buf := EncodeFloat(v)
		if got := DecodeFloat(buf); got != v {
			t.Fatalf("float round trip: want %v got %v", v, got)
		}
	}
}

func TestEncodeDecodeString_TrimsPadding(t *testing.T) {
	buf := EncodeString("alice", 8)
	if len(buf) != 8 {
		t.Fatalf("expected 8-byte buffer, got %d", len(buf))
	}
	if got := DecodeString(buf); got != "alice" {
		t.Fatalf("expected %q, got %q", "alice", got)
	}
}

func TestEncodeDecodeDateTime(t *testing.T) {
	buf := EncodeDateTime(2024, 2, 29, 13, 5, 59)
	y, mo, d, h, mi, s := DecodeDateTime(buf)
	if y != 2024 || mo != 2 || d != 29 || h != 13 || mi != 5 || s != 59 {
		t.Fatalf("datetime round trip mismatch: %d-%d-%d %d:%d:%d", y, mo, d, h, mi, s)
	}
}

func TestValidDateTime(t *testing.T) {
	cases := []struct {
		y, mo, d, h, mi, s int
		want               bool
	}{
		{2024, 2, 29, 0, 0, 0, true},  // leap year
		{2023, 2, 29, 0, 0, 0, false}, // not a leap year
		{2000, 2, 29, 0, 0, 0, true},  // divisible by 400
		{1900, 2, 29, 0, 0, 0, false}, // divisible by 100 not 400
		{999, 1, 1, 0, 0, 0, false},   // year too low
		{2024, 13, 1, 0, 0, 0, false}, // bad month
		{2024, 4, 31, 0, 0, 0, false}, // april has 30 days
		{2024, 1, 1, 23, 59, 59, true},
		{2024, 1, 1, 24, 0, 0, false},
	}
	for _, c := range cases {
		got := ValidDateTime(c.y, c.mo, c.d, c.h, c.mi, c.s)
		if got != c.want {
			t.Errorf("ValidDateTime(%d,%d,%d,%d,%d,%d) = %v, want %v",
				c.y, c.mo, c.d, c.h, c.mi, c.s, got, c.want)
		}
	}
}

func TestCompare_Int(t *testing.T) {
	a := EncodeInt(1)
	b := EncodeInt(2)
	if Compare(a, b, Int, 4) >= 0 {
		t.Fatal("expected 1 < 2")
	}
	if Compare(b, a, Int, 4) <= 0 {
		t.Fatal("expected 2 > 1")
	}
	if Compare(a, a, Int, 4) != 0 {
		t.Fatal("expected equal ints to compare 0")
	}
}

func TestCompare_String(t *testing.T) {
	a := EncodeString("alice", 8)
	b := EncodeString("bob", 8)
	if Compare(a, b, String, 8) >= 0 {
		t.Fatal("expected alice < bob lexicographically")
	}
}

func TestCompareComposite_LexicographicAcrossColumns(t *testing.T) {
	types := []Type{Int, String}
	lens := []int{4, 8}

	key1 := append(EncodeInt(1), EncodeString("zzz", 8)...)
	key2 := append(EncodeInt(1), EncodeString("aaa", 8)...)
	key3 := append(EncodeInt(2), EncodeString("aaa", 8)...)

	if CompareComposite(key2, key1, types, lens) >= 0 {
		t.Fatal("expected (1,aaa) < (1,zzz)")
	}
	if CompareComposite(key1, key3, types, lens) >= 0 {
		t.Fatal("expected (1,zzz) < (2,aaa): first column dominates")
	}
}
