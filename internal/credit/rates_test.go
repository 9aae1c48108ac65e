package credit

import "testing"

func TestCostCeilsPartialThousands(t *testing.T) {
	rt := NewRateTable(map[string]int64{"m": 3}, 1, 20)
	if got := rt.Cost("m", 800); got != 3 {
		t.Fatalf("cost(800)@3/1k: want 3 got %d", got)
	}
	if got := rt.Cost("m", 1000); got != 3 {
		t.Fatalf("cost(1000)@3/1k: want 3 got %d", got)
	}
	if got := rt.Cost("m", 0); got != 0 {
		t.Fatalf("cost(0): want 0 got %d", got)
	}
}

func TestReservationAppliesSafetyBuffer(t *testing.T) {
	rt := NewRateTable(map[string]int64{"m": 30}, 1, 20)
	// 1000 tokens at 30/1k cost 30; +20% buffer reserves 36.
	if got := rt.Reservation("m", 1000); got != 36 {
		t.Fatalf("reservation: want 36 got %d", got)
	}
	// Buffered amount rounds up.
	rt2 := NewRateTable(map[string]int64{"m": 3}, 1, 20)
	if got := rt2.Reservation("m", 1000); got != 4 {
		t.Fatalf("reservation rounds up: want 4 got %d", got)
	}
}

func TestReservationNeverBelowCost(t *testing.T) {
	rt := NewRateTable(map[string]int64{"m": 7}, 1, 0)
	tokens := int64(1234)
	if rt.Reservation("m", tokens) < rt.Cost("m", tokens) {
		t.Fatalf("reservation below cost")
	}
}

func TestUnknownModelUsesDefaultRate(t *testing.T) {
	rt := NewRateTable(nil, 5, 0)
	if got := rt.Cost("unknown", 1000); got != 5 {
		t.Fatalf("default rate: want 5 got %d", got)
	}
}
