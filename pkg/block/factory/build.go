package factory

import (
	"context"
	"fmt"

	"github.com/treeverse/tables/pkg/block"
	"github.com/treeverse/tables/pkg/block/local"
	"github.com/treeverse/tables/pkg/block/mem"
	"github.com/treeverse/tables/pkg/block/params"
	s3a "github.com/treeverse/tables/pkg/block/s3"
	"github.com/treeverse/tables/pkg/logging"
)

// BuildBlockAdapter returns the configured adapter wrapped with operation metrics
func BuildBlockAdapter(ctx context.Context, c params.AdapterConfig) (block.Adapter, error) {
	blockstore := c.BlockstoreType()
	logging.FromContext(ctx).
		WithField("type", blockstore).
		Info("initialize blockstore adapter")
	var (
		adapter block.Adapter
		err     error
	)
	switch blockstore {
	case block.BlockstoreTypeLocal:
		adapter, err = buildLocalAdapter(ctx, c)
	case block.BlockstoreTypeS3:
		adapter, err = buildS3Adapter(ctx, c)
	case block.BlockstoreTypeMem, "memory":
		adapter = mem.New()
	default:
		return nil, fmt.Errorf("%w '%s' please choose one of %s",
			block.ErrInvalidAddress, blockstore, []string{block.BlockstoreTypeLocal, block.BlockstoreTypeS3, block.BlockstoreTypeMem})
	}
	if err != nil {
		return nil, err
	}
	return block.NewMetricsAdapter(adapter), nil
}

func buildLocalAdapter(ctx context.Context, c params.AdapterConfig) (*local.Adapter, error) {
	p, err := c.BlockstoreLocalParams()
	if err != nil {
		return nil, err
	}
	adapter, err := local.NewAdapter(p.Path)
	if err != nil {
		return nil, fmt.Errorf("got error opening a local block adapter with path %s: %w", p.Path, err)
	}
	logging.FromContext(ctx).WithFields(logging.Fields{
		"type": "local",
		"path": p.Path,
	}).Info("initialized blockstore adapter")
	return adapter, nil
}

func buildS3Adapter(ctx context.Context, c params.AdapterConfig) (*s3a.Adapter, error) {
	p, err := c.BlockstoreS3Params()
	if err != nil {
		return nil, err
	}
	adapter, err := s3a.NewAdapter(ctx, p)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithFields(logging.Fields{
		"type":     "s3",
		"region":   p.Region,
		"endpoint": p.Endpoint,
	}).Info("initialized blockstore adapter")
	return adapter, nil
}
