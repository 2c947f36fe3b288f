package fifo

import "testing"

func TestPopFreeExhaustion(t *testing.T) {
	p := NewPool[int](2)

	r1, _, ok := p.PopFree()
	if !ok {
		t.Fatal("expected free item")
	}
	r2, _, ok := p.PopFree()
	if !ok {
		t.Fatal("expected free item")
	}
	if _, _, ok := p.PopFree(); ok {
		t.Fatal("expected pool to be exhausted")
	}
	if p.DroppedCount() != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", p.DroppedCount())
	}

	p.PushFree(r1)
	p.PushFree(r2)
}

func TestEnqueueDequeueOrder(t *testing.T) {
	p := NewPool[int](4)

	var refs []Ref[int]
	for i := 1; i <= 3; i++ {
		r, item, ok := p.PopFree()
		if !ok {
			t.Fatal("expected free item")
		}
		*item = i
		p.Enqueue(r)
		refs = append(refs, r)
	}

	for i := 1; i <= 3; i++ {
		r, item, ok := p.Dequeue()
		if !ok {
			t.Fatal("expected in-use item")
		}
		if *item != i {
			t.Fatalf("Dequeue() = %d, want %d", *item, i)
		}
		p.PushFree(r)
	}

	if _, _, ok := p.Dequeue(); ok {
		t.Fatal("expected empty dequeue")
	}
}

func TestInvariantCapacityEqualsFreePlusInUse(t *testing.T) {
	const capacity = 8
	p := NewPool[int](capacity)

	var inUse []Ref[int]
	for i := 0; i < 5; i++ {
		r, _, ok := p.PopFree()
		if !ok {
			t.Fatal("expected free item")
		}
		p.Enqueue(r)
		inUse = append(inUse, r)
	}

	if p.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", p.Len())
	}
	if p.Capacity() != capacity {
		t.Fatalf("Capacity() = %d, want %d", p.Capacity(), capacity)
	}

	for _, r := range inUse {
		dr, _, ok := p.Dequeue()
		if !ok {
			t.Fatal("expected in-use item")
		}
		if dr != r {
			t.Fatalf("Dequeue order mismatch")
		}
		p.PushFree(dr)
	}

	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after draining", p.Len())
	}
}

func TestCleanFromTimeout(t *testing.T) {
	p := NewPool[int](4)

	var refs []Ref[int]
	for _, v := range []int{10, 20, 30} {
		r, item, _ := p.PopFree()
		*item = v
		p.Enqueue(r)
		refs = append(refs, r)
	}

	removed := p.CleanFromTimeout(func(item *int) bool {
		return *item == 20
	})
	if removed != 1 {
		t.Fatalf("CleanFromTimeout() removed %d, want 1", removed)
	}
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}

	_, item, ok := p.Dequeue()
	if !ok || *item != 10 {
		t.Fatalf("expected first remaining item to be 10, got %v", item)
	}
	_, item, ok = p.Dequeue()
	if !ok || *item != 30 {
		t.Fatalf("expected second remaining item to be 30, got %v", item)
	}
}
