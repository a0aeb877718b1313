package loop

import "testing"

func TestChunkedIngressChunkTransition(t *testing.T) {
	q := newChunkedIngress()

	const total = ingressChunkSize*3 + 7
	for i := 0; i < total; i++ {
		q.Push(func() {})
	}
	if q.Length() != total {
		t.Fatalf("Length() = %d, want %d", q.Length(), total)
	}

	for i := 0; i < total; i++ {
		if _, ok := q.Pop(); !ok {
			t.Fatalf("premature exhaustion at index %d", i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected queue to be empty")
	}
}

func TestChunkedIngressFIFOOrder(t *testing.T) {
	q := newChunkedIngress()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() { order = append(order, i) })
	}
	for {
		fn, ok := q.Pop()
		if !ok {
			break
		}
		fn()
	}
	want := []int{0, 1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestExternalQueueDrainInto(t *testing.T) {
	ext := newExternalQueue()
	ext.Push(func() {})
	ext.Push(func() {})

	dst := newChunkedIngress()
	n := ext.DrainInto(dst)
	if n != 2 {
		t.Fatalf("DrainInto() moved %d items, want 2", n)
	}
	if dst.Length() != 2 {
		t.Fatalf("dst.Length() = %d, want 2", dst.Length())
	}
	if n := ext.DrainInto(dst); n != 0 {
		t.Fatalf("second DrainInto() moved %d items, want 0", n)
	}
}
