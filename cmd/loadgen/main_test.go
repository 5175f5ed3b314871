package main

import (
	"math"
	"testing"
)

func TestViewportCells(t *testing.T) {
	v := viewport{cx: 0.4, cy: -0.2, w: 3, h: 2}
	got := v.cells()
	want := [][2]int64{{-1, -2}, {0, -2}, {1, -2}, {-1, -1}, {0, -1}, {1, -1}}
	if len(got) != len(want) {
		t.Fatalf("cells=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cells=%v want %v", got, want)
		}
	}
}

func TestViewportStep_StaysInSpan(t *testing.T) {
	v := viewport{cx: 9, cy: 0, w: 1, h: 1}
	h := v.step(0, 5, 10)
	if v.cx != 10 {
		t.Fatalf("cx=%v want clamped to 10", v.cx)
	}
	if math.Cos(h) >= 0 {
		t.Fatalf("heading %v did not bounce", h)
	}
}

func TestPercentile(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	if got := percentile(vals, 50); got != 3 {
		t.Fatalf("p50=%v", got)
	}
	if got := percentile(vals, 100); got != 5 {
		t.Fatalf("p100=%v", got)
	}
	if got := percentile(nil, 95); got != 0 {
		t.Fatalf("empty=%v", got)
	}
}
