package lamport

import (
	"sync"
	"testing"
)

func TestTickIncreasesMonotonically(t *testing.T) {
	var c Clock
	prev := c.Peek()
	for i := 0; i < 5; i++ {
		v := c.Tick()
		if v <= prev {
			t.Fatalf("tick %d: got %d, want > %d", i, v, prev)
		}
		prev = v
	}
}

func TestReceiveTakesMax(t *testing.T) {
	var c Clock
	c.Set(3)
	if got := c.Receive(10); got != 11 {
		t.Fatalf("Receive(10) from ts=3 = %d, want 11", got)
	}

	var c2 Clock
	c2.Set(10)
	if got := c2.Receive(2); got != 11 {
		t.Fatalf("Receive(2) from ts=10 = %d, want 11", got)
	}
}

func TestClockConcurrentTicks(t *testing.T) {
	var c Clock
	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c.Tick()
		}()
	}
	wg.Wait()
	if got := c.Peek(); got != n {
		t.Fatalf("after %d concurrent ticks, clock = %d, want %d", n, got, n)
	}
}

func TestTotalOrderLess(t *testing.T) {
	cases := []struct {
		tsA  int64
		a    string
		tsB  int64
		b    string
		want bool
	}{
		{1, "branch-a", 2, "branch-b", true},
		{2, "branch-a", 1, "branch-b", false},
		{5, "branch-a", 5, "branch-b", true},
		{5, "branch-b", 5, "branch-a", false},
		{5, "branch-a", 5, "branch-a", false},
	}
	for _, c := range cases {
		if got := TotalOrderLess(c.tsA, c.a, c.tsB, c.b); got != c.want {
			t.Errorf("TotalOrderLess(%d,%q,%d,%q) = %v, want %v", c.tsA, c.a, c.tsB, c.b, got, c.want)
		}
	}
}
