package taskpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunEachPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	results, err := RunEach(context.Background(), 2, items, func(_ context.Context, item int) (int, error) {
		return item * item, nil
	})
	if err != nil {
		t.Fatalf("RunEach returned error: %v", err)
	}
	want := []int{1, 4, 9, 16, 25}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %d, want %d", i, results[i], want[i])
		}
	}
}

func TestRunEachPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := RunEach(context.Background(), 4, []int{1, 2, 3}, func(_ context.Context, item int) (int, error) {
		if item == 2 {
			return 0, boom
		}
		return item, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
}

func TestRunEachRespectsParallelismLimit(t *testing.T) {
	var inFlight int32
	var maxSeen int32
	items := make([]int, 20)
	_, err := RunEach(context.Background(), 3, items, func(_ context.Context, _ int) (struct{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxSeen)
			if n <= max || atomic.CompareAndSwapInt32(&maxSeen, max, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("RunEach returned error: %v", err)
	}
	if maxSeen > 3 {
		t.Errorf("observed %d concurrent calls, want <= 3", maxSeen)
	}
}

func TestRunSequencesRunsStepsInOrder(t *testing.T) {
	var seen []int
	var mu chan struct{} = make(chan struct{}, 1)
	mu <- struct{}{}

	seqs := []Sequence[int]{
		{Steps: []int{1, 2, 3}},
	}
	err := RunSequences(context.Background(), 2, seqs, func(_ context.Context, item int, index int) error {
		<-mu
		seen = append(seen, item)
		mu <- struct{}{}
		if item != index+1 {
			t.Errorf("step item %d at index %d", item, index)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunSequences returned error: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Errorf("seen = %v, want [1 2 3] in order", seen)
	}
}

func TestRunSequencesStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var ran []int
	seqs := []Sequence[int]{{Steps: []int{1, 2, 3}}}
	err := RunSequences(context.Background(), 1, seqs, func(_ context.Context, item int, _ int) error {
		ran = append(ran, item)
		if item == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(ran) != 2 {
		t.Errorf("expected sequence to stop after step 2, ran = %v", ran)
	}
}
