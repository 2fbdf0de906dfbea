package pmath

import "testing"

func TestCeilToPowerOf2(t *testing.T) {
	cases := [][2]int{
		{0, 2}, {1, 2}, {2, 2}, {3, 4}, {5, 8}, {17, 32}, {64, 64}, {1023, 1024},
	}
	for _, c := range cases {
		if got := CeilToPowerOf2(c[0]); got != c[1] {
			t.Fatalf("CeilToPowerOf2(%d) = %d, want %d", c[0], got, c[1])
		}
	}
}

func TestIsPowerOf2(t *testing.T) {
	for _, n := range []int{1, 2, 4, 1024} {
		if !IsPowerOf2(n) {
			t.Fatalf("IsPowerOf2(%d) = false", n)
		}
	}
	for _, n := range []int{0, 3, 6, 1000} {
		if IsPowerOf2(n) {
			t.Fatalf("IsPowerOf2(%d) = true", n)
		}
	}
}
