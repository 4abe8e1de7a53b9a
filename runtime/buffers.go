package runtime

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sbl8/tapeworks/kernels"
)

// OrderedBuffers holds the dense port buffers of one run. Sources[k] is bound
// to data index SourceIndices[k], Destinations[k] to DestinationIndices[k].
type OrderedBuffers struct {
	SourceIndices      []int
	DestinationIndices []int
	Sources            []float64
	Destinations       []float64

	// groups of DestinationIndices, shared read-only by every run of a program
	groups []kernels.Group
}

// NewOrderedBuffers allocates buffers for the given index lists.
func NewOrderedBuffers(sources, destinations []int) *OrderedBuffers {
	return &OrderedBuffers{
		SourceIndices:      sources,
		DestinationIndices: destinations,
		Sources:            make([]float64, len(sources)),
		Destinations:       make([]float64, len(destinations)),
	}
}

// PrepareBuffers snapshots the bound source values of data and zeroes the
// destinations.
func (b *OrderedBuffers) PrepareBuffers(data []float64) {
	kernels.Gather(b.Sources, data, b.SourceIndices)
	clear(b.Destinations)
}

// minParallelFlush is the destination count per worker, in batches, below
// which the parallel flush is not worth its goroutines.
const minParallelFlush = 64

// FlushDestinations adds every destination into its data index. Duplicate
// indices are additive. The parallel path hands disjoint groups of indices to
// workers; each index still sums its contributions in list order, so both
// paths produce bitwise identical data.
func (b *OrderedBuffers) FlushDestinations(ctx context.Context, data []float64, parallel bool, workers int) error {
	n := len(b.DestinationIndices)
	if !parallel || workers < 2 || n < workers*kernels.BatchSize()*minParallelFlush {
		kernels.ScatterAdd(data, b.DestinationIndices, b.Destinations)
		return nil
	}
	return b.flushParallel(ctx, data, workers)
}

func (b *OrderedBuffers) flushParallel(ctx context.Context, data []float64, workers int) error {
	if b.groups == nil {
		b.groups = kernels.GroupIndices(b.DestinationIndices)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, part := range kernels.PartitionGroups(b.groups, workers) {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			kernels.GroupedScatterAdd(data, part, b.Destinations)
			return nil
		})
	}
	return g.Wait()
}
