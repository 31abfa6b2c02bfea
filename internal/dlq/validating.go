package dlq

import (
	"bytes"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// ErrRejected is wrapped by validation failures.
var ErrRejected = errors.New(errors.ErrorTypeValidation, "record rejected")

// ObjectValidator accepts records whose data is a JSON object of at most
// maxRecordBytes bytes. A non-positive limit disables the size check.
func ObjectValidator(maxRecordBytes int) Validator {
	return func(rec *models.Record) error {
		if maxRecordBytes > 0 && len(rec.Data) > maxRecordBytes {
			return errors.Wrap(ErrRejected, errors.ErrorTypeValidation, "record too large").
				WithDetail("bytes", len(rec.Data)).
				WithDetail("limit", maxRecordBytes)
		}
		data := bytes.TrimSpace(rec.Data)
		if len(data) == 0 || data[0] != '{' || !gojson.Valid(data) {
			return errors.Wrap(ErrRejected, errors.ErrorTypeValidation, "record data is not a JSON object")
		}
		return nil
	}
}

// NewValidatingLoader creates a loader that flushes records passing validate
// to flush and rejects the rest. With a nil flush nothing is stored by the
// loader: valid and invalid records alike are returned as rejected so the
// pipeline writes them to object storage.
func NewValidatingLoader(validate Validator, flush FlushFunc, batchSize int, logger *zap.Logger) Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &validatingLoader{batchLoader{
		validate:  validate,
		flush:     flush,
		batchSize: batchSize,
		logger:    logger.With(zap.String("component", "dlq-loader")),
	}}
}

type validatingLoader struct {
	batchLoader
}

func (*validatingLoader) Close() error { return nil }
