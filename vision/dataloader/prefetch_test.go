package dataloader

import (
	"context"
	"errors"
	"testing"
)

func TestPrefetcherKeepsOrder(t *testing.T) {
	x, y := newTaggedArrays(10)
	direct, err := NewArrayLoader(x, y, Config{BatchSize: 3, Shuffle: true, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}
	inner, err := NewArrayLoader(x, y, Config{BatchSize: 3, Shuffle: true, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}

	p, err := NewPrefetcher(inner, PrefetchConfig{Depth: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.NextBatch(); err != ErrStopped {
		t.Errorf("Expected ErrStopped before Start, got %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	if err := p.Start(context.Background()); err == nil {
		t.Error("Expected error when starting twice")
	}

	if p.Len() != 10 || p.BatchSize() != 3 || StepsPerEpoch(p) != 4 {
		t.Errorf("Unexpected sizes: len %d, batch %d", p.Len(), p.BatchSize())
	}

	// Two passes through the data, crossing a reshuffle.
	for step := 0; step < 8; step++ {
		want, err := direct.NextBatch()
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.NextBatch()
		if err != nil {
			t.Fatal(err)
		}
		if got.Size() != want.Size() {
			t.Fatalf("Step %d: expected %d samples, got %d", step, want.Size(), got.Size())
		}
		for i := 0; i < got.Size(); i++ {
			if got.Inputs.Sample(i)[0] != want.Inputs.Sample(i)[0] {
				t.Fatalf("Step %d sample %d: order differs", step, i)
			}
		}
	}
}

func TestPrefetcherStopAndReset(t *testing.T) {
	x, y := newTaggedArrays(4)
	inner, err := NewArrayLoader(x, y, Config{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPrefetcher(inner, PrefetchConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := p.NextBatch(); err != nil {
		t.Fatal(err)
	}
	p.Reset()
	b, err := p.NextBatch()
	if err != nil {
		t.Fatalf("Expected batches after Reset, got %v", err)
	}
	if b.Inputs.Sample(0)[0] != 0 {
		t.Errorf("Expected Reset to rewind to sample 0, got %v", b.Inputs.Sample(0)[0])
	}

	p.Stop()
	p.Stop()
	if _, err := p.NextBatch(); err != ErrStopped {
		t.Errorf("Expected ErrStopped after Stop, got %v", err)
	}
}

func TestPrefetcherCancelledContext(t *testing.T) {
	x, y := newTaggedArrays(4)
	inner, _ := NewArrayLoader(x, y, Config{BatchSize: 2})
	p, _ := NewPrefetcher(inner, PrefetchConfig{Depth: 1})

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	p.Stop()
	if _, err := p.NextBatch(); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

type failingSource struct{ ArrayLoader }

func (f *failingSource) NextBatch() (*Batch, error) { return nil, errors.New("disk on fire") }

func TestPrefetcherPropagatesErrors(t *testing.T) {
	p, err := NewPrefetcher(&failingSource{}, PrefetchConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if _, err := p.NextBatch(); err == nil || err == ErrStopped {
		t.Errorf("Expected the source error, got %v", err)
	}
	if _, err := p.NextBatch(); err != ErrStopped {
		t.Errorf("Expected ErrStopped once the worker exits, got %v", err)
	}
	if _, err := NewPrefetcher(nil, PrefetchConfig{}); err == nil {
		t.Error("Expected nil source error")
	}
}
