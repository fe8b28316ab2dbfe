package gateway

import "testing"

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(100)
	for i := int64(1); i <= 10; i++ {
		rb.Push(i, []byte("msg"))
	}

	got := rb.Range(3, 7)
	if len(got) != 5 {
		t.Fatalf("Range(3,7): expected 5, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i)+3 {
			t.Errorf("entry[%d].Seq = %d, want %d", i, e.Seq, i+3)
		}
	}

	if open := rb.Range(8, 0); len(open) != 3 {
		t.Errorf("open-ended Range(8,0): expected 3, got %d", len(open))
	}
}

func TestReplayBuffer_WraparoundAndOldest(t *testing.T) {
	rb := NewReplayBuffer(5)
	if _, ok := rb.OldestSeq(); ok {
		t.Fatal("empty buffer has no oldest seq")
	}

	for i := int64(1); i <= 8; i++ {
		rb.Push(i, []byte("msg"))
	}
	if rb.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", rb.Len())
	}
	got := rb.Range(1, 10)
	if len(got) != 5 || got[0].Seq != 4 || got[4].Seq != 8 {
		t.Fatalf("unexpected range %+v", got)
	}
	if oldest, ok := rb.OldestSeq(); !ok || oldest != 4 {
		t.Errorf("OldestSeq = %d, %v; want 4", oldest, ok)
	}
}

func TestReplayBuffer_CopiesInput(t *testing.T) {
	rb := NewReplayBuffer(2)
	data := []byte("abc")
	rb.Push(1, data)
	data[0] = 'z'
	if got := rb.Range(1, 1); string(got[0].Data) != "abc" {
		t.Errorf("buffer must own its copy, got %q", got[0].Data)
	}
}

func TestReplayBuffer_OutOfOrderPush(t *testing.T) {
	rb := NewReplayBuffer(4)
	for _, seq := range []int64{1, 3, 2, 4} {
		rb.Push(seq, []byte{byte('0' + seq)})
	}
	got := rb.Range(1, 0)
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i+1) || e.Data[0] != byte('1'+i) {
			t.Errorf("entry %d = %d/%q", i, e.Seq, e.Data)
		}
	}

	// seq 1 is out of the window once 5 lands
	rb.Push(5, []byte("5"))
	rb.Push(1, []byte("late"))
	if oldest, _ := rb.OldestSeq(); oldest != 2 {
		t.Errorf("OldestSeq = %d, want 2", oldest)
	}
}
