package objectstore

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// PrefixFunc returns the key prefix of a stream's objects.
type PrefixFunc func(stream models.StreamDescriptor, staging bool) string

// StagingPromoter moves a completed stream's objects out of the staging
// prefix so readers of the final prefix only ever see whole streams.
type StagingPromoter struct {
	client Client
	prefix PrefixFunc
	logger *zap.Logger
}

// NewStagingPromoter creates a promoter.
func NewStagingPromoter(client Client, prefix PrefixFunc, logger *zap.Logger) *StagingPromoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StagingPromoter{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "staging-promoter")),
	}
}

// Promote moves every staged object of stream to its final key and returns
// the number of objects moved.
func (p *StagingPromoter) Promote(ctx context.Context, stream models.StreamDescriptor) (int, error) {
	from := p.prefix(stream, true)
	to := p.prefix(stream, false)

	objects, err := p.client.List(ctx, from)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, obj := range objects {
		if strings.Contains(obj.Key, ".parts/") {
			continue
		}
		dst := to + strings.TrimPrefix(obj.Key, from)
		if err := p.client.Move(ctx, obj.Key, dst); err != nil {
			return moved, err
		}
		moved++
	}
	p.logger.Info("promoted staged objects",
		zap.String("stream", stream.String()),
		zap.Int("objects", moved))
	return moved, nil
}
