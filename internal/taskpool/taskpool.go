// Package taskpool runs batches of work items concurrently, bounded by a
// fixed parallelism limit. It collapses the original tool's three separate
// primitives — a single-argument map, a multi-argument map, and a
// sequenced-command runner — into one generic fan-out built on
// golang.org/x/sync/errgroup, since Go's type parameters make the
// arity distinction those three classes existed for unnecessary.
package taskpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunEach calls fn once per item, running up to parallelism calls at a time,
// and returns one result per item in input order. It returns the first
// error encountered and cancels the remaining in-flight calls' context, the
// same fail-fast behavior as the original ParallelCmd classes running under
// a thread pool.
func RunEach[T any, R any](ctx context.Context, parallelism int, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit(parallelism))

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			r, err := fn(gctx, item)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Sequence is one chain of dependent steps that must run in order; distinct
// Sequences are independent of each other and may run concurrently. This
// mirrors SequencedParallelCmd: e.g. "create the cloud config file, then
// upload the checksum, then upload the file" is one Sequence per tserver
// host, and different hosts' sequences run in parallel.
type Sequence[T any] struct {
	Steps []T
}

// RunSequences runs each Sequence's steps in order, one step after another,
// with up to parallelism Sequences active concurrently. The step function
// receives the step value and the zero-based index of the step within its
// sequence, so later steps can consult earlier results if the caller closed
// over a place to store them.
func RunSequences[T any](ctx context.Context, parallelism int, sequences []Sequence[T], step func(ctx context.Context, item T, index int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit(parallelism))

	for _, seq := range sequences {
		seq := seq
		g.Go(func() error {
			for i, item := range seq.Steps {
				if err := step(gctx, item, i); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func limit(parallelism int) int {
	if parallelism <= 0 {
		return 1
	}
	return parallelism
}
