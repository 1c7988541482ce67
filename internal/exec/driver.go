package exec

import (
	"context"

	"github.com/ajitpratap0/memcap/internal/operators"
	"github.com/ajitpratap0/memcap/pkg/logger"
	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"
)

// driver runs one instance of a pipeline's operator chain
type driver struct {
	pipeline int
	id       int
	pool     *memory.Pool
	pools    []*memory.Pool
	ops      []operators.Operator
	source   operators.Source
	logger   *zap.Logger

	batches int64
	rows    int64
}

// run pulls batches from the source until it is exhausted, then finishes
// the chain in order. The context is checked before every batch.
func (d *driver) run(ctx context.Context) (err error) {
	log := logger.FromContext(logger.WithDriver(ctx, d.pipeline, d.id), d.logger)
	log.Debug("driver started", zap.Int("operators", len(d.ops)))
	defer func() {
		if cerr := d.close(); err == nil {
			err = cerr
		}
		if err != nil {
			log.Debug("driver stopped", zap.String("cause", firstLine(err.Error())), zap.Int64("batches", d.batches))
			return
		}
		log.Debug("driver finished", zap.Int64("batches", d.batches), zap.Int64("rows", d.rows))
	}()

	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		rec, err := d.source.Next(ctx)
		if err == operators.EOF {
			break
		}
		if err != nil {
			return err
		}
		d.batches++
		d.rows += rec.NumRows()
		if err := d.push(ctx, 1, rec); err != nil {
			return err
		}
	}

	for i := 1; i < len(d.ops); i++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		out, err := d.ops[i].Finish(ctx)
		if err != nil {
			return err
		}
		if err := d.pushAll(ctx, i+1, out); err != nil {
			return err
		}
	}
	return nil
}

// push hands rec to operator idx and everything it produces downstream.
// rec is released before push returns.
func (d *driver) push(ctx context.Context, idx int, rec arrow.Record) error {
	defer rec.Release()
	if idx >= len(d.ops) {
		return nil
	}
	out, err := d.ops[idx].AddInput(ctx, rec)
	if err != nil {
		return err
	}
	return d.pushAll(ctx, idx+1, out)
}

func (d *driver) pushAll(ctx context.Context, idx int, recs []arrow.Record) error {
	for i, r := range recs {
		if err := d.push(ctx, idx, r); err != nil {
			for _, rest := range recs[i+1:] {
				rest.Release()
			}
			return err
		}
	}
	return nil
}

// close closes the operators and then the pools bottom-up
func (d *driver) close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for i := len(d.ops) - 1; i >= 0; i-- {
		keep(d.ops[i].Close())
	}
	d.ops = nil
	for i := len(d.pools) - 1; i >= 0; i-- {
		keep(d.pools[i].Close())
	}
	d.pools = nil
	if d.pool != nil {
		keep(d.pool.Close())
	}
	return first
}
