package model

import "testing"

func TestKindFromType(t *testing.T) {
	cases := []struct {
		wire string
		want EventKind
	}{
		{"ticker", KindTicker},
		{"ticker_v2", KindTicker},
		{"orderbook_snapshot", KindOrderbookSnapshot},
		{"orderbook_delta", KindOrderbookDelta},
		{"trade", KindTrade},
		{"fill", KindFill},
		{"error", KindError},
		{"subscribed", KindAck},
		{"unsubscribed", KindAck},
		{"ok", KindAck},
		{"market_lifecycle", KindUnknown},
		{"", KindUnknown},
	}

	for _, tc := range cases {
		if got := KindFromType(tc.wire); got != tc.want {
			t.Errorf("KindFromType(%q) = %v, want %v", tc.wire, got, tc.want)
		}
	}
}

func TestEventKindString(t *testing.T) {
	kinds := []EventKind{
		KindUnknown, KindTicker, KindOrderbookSnapshot, KindOrderbookDelta,
		KindTrade, KindFill, KindError, KindAck,
	}

	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Errorf("kind %d has empty name", k)
		}
		if seen[s] {
			t.Errorf("duplicate kind name %q", s)
		}
		seen[s] = true
	}

	if EventKind(99).String() != "unknown" {
		t.Errorf("out-of-range kind should stringify as unknown")
	}
}
