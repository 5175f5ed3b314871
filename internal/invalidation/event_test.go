package invalidation

import (
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func ptr(v int64) *int64 { return &v }

func TestEvent_Validate(t *testing.T) {
	addr := address.Of(3, 4).String()
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"address", Event{Version: 1, Op: OpTransfer, Address: addr, TS: mustTS()}, true},
		{"upper-case address", Event{Version: 1, Op: OpCreate, Address: strings.ToUpper(addr)}, true},
		{"coords", Event{Version: 1, Op: OpRemove, X: ptr(-2), Y: ptr(7)}, true},
		{"bad version", Event{Version: 2, Op: OpTransfer, Address: addr}, false},
		{"bad op", Event{Version: 1, Op: "update", Address: addr}, false},
		{"both targets", Event{Version: 1, Op: OpTransfer, Address: addr, X: ptr(1), Y: ptr(1)}, false},
		{"no target", Event{Version: 1, Op: OpTransfer}, false},
		{"x without y", Event{Version: 1, Op: OpTransfer, X: ptr(1)}, false},
		{"short address", Event{Version: 1, Op: OpTransfer, Address: "abc"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEvent_TargetFromCoordsMatchesAddress(t *testing.T) {
	byCoords := Event{Version: 1, Op: OpTransfer, X: ptr(3), Y: ptr(4)}
	byAddr := Event{Version: 1, Op: OpTransfer, Address: strings.ToUpper(address.Of(3, 4).String())}

	a, err := byCoords.Target()
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	b, err := byAddr.Target()
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if a != b || a != address.Of(3, 4) {
		t.Fatalf("targets differ: %s vs %s", a, b)
	}
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"version":1,"op":"transfer","x":0,"y":1,"ts":"2025-10-26T12:30:45Z","seq":9,"owner":"0xabc"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Seq != 9 || ev.Owner != "0xabc" || !ev.TS.Equal(mustTS()) {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if *ev.X != 0 || *ev.Y != 1 {
		t.Fatalf("coords=%d,%d", *ev.X, *ev.Y)
	}

	if _, err := Decode([]byte(`{not json`)); err == nil || !strings.HasPrefix(err.Error(), "decode:") {
		t.Fatalf("want decode error, got %v", err)
	}
	if _, err := Decode([]byte(`{"version":1,"op":"transfer"}`)); err == nil || !strings.HasPrefix(err.Error(), "validate:") {
		t.Fatalf("want validate error, got %v", err)
	}
}
