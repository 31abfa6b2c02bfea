// Package config provides the configuration system for the loader.
// A single LoaderConfig structure drives the composition root, organized into
// logical sections:
//   - Memory: the process-wide byte budget and how it is split across queues
//   - Pipeline: worker counts, part and object sizing, flush cadence
//   - Storage: the object store backing the terminal stage
//   - Format: record serialization and compression for uploaded objects
//   - DLQ: the optional dead-letter-first loader
//   - Reliability: retry behavior for storage operations
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.NewLoaderConfig("users-sync")
//	cfg.Storage.Type = "s3"
//	cfg.Storage.Bucket = "landing"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Storage backends understood by objectstore.NewFromConfig.
const (
	StorageS3     = "s3"
	StorageGCS    = "gcs"
	StorageMinio  = "minio"
	StorageBlob   = "blob"
	StorageMemory = "memory"
)

// LoaderConfig is the root configuration of a loader run.
type LoaderConfig struct {
	// Name identifies the sync in logs and metrics
	Name string `yaml:"name" json:"name"`

	// Memory controls the reservation budget
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// Pipeline controls worker pools and part sizing
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Storage selects and configures the object store
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Format controls object serialization
	Format FormatConfig `yaml:"format" json:"format"`

	// DLQ configures the dead-letter-first variant of the pipeline
	DLQ DLQConfig `yaml:"dlq" json:"dlq"`

	// Reliability controls retries of storage operations
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Observability controls logging, metrics and tracing
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// MemoryConfig sizes the process-wide reservation budget.
// TotalBytes wins over SystemMemoryRatio when both are set.
type MemoryConfig struct {
	// TotalBytes is an explicit budget in bytes (0 = derive from system memory)
	TotalBytes int64 `yaml:"total_bytes" json:"total_bytes"`
	// SystemMemoryRatio is the fraction of system memory used as budget
	SystemMemoryRatio float64 `yaml:"system_memory_ratio" json:"system_memory_ratio"`
	// InputQueueRatio is the budget fraction reserved for the record queues
	InputQueueRatio float64 `yaml:"input_queue_ratio" json:"input_queue_ratio"`
	// PartQueueRatio is the budget fraction reserved for the formatted part queue
	PartQueueRatio float64 `yaml:"part_queue_ratio" json:"part_queue_ratio"`
	// ResultQueueRatio is the budget fraction reserved for the part result queue
	ResultQueueRatio float64 `yaml:"result_queue_ratio" json:"result_queue_ratio"`
}

// PipelineConfig controls the staged worker pools.
type PipelineConfig struct {
	// NumFormatterWorkers is the number of part formatter tasks
	NumFormatterWorkers int `yaml:"num_formatter_workers" json:"num_formatter_workers"`
	// NumPartWorkers is the number of part loader tasks
	NumPartWorkers int `yaml:"num_part_workers" json:"num_part_workers"`
	// NumUploadWorkers is the number of upload completer tasks
	NumUploadWorkers int `yaml:"num_upload_workers" json:"num_upload_workers"`
	// NumDLQWorkers is the number of DLQ loader tasks
	NumDLQWorkers int `yaml:"num_dlq_workers" json:"num_dlq_workers"`
	// PartSizeBytes is the configured upload part size before clamping
	PartSizeBytes int64 `yaml:"part_size_bytes" json:"part_size_bytes"`
	// MaxObjectSizeBytes finishes an object once it grows past this size
	MaxObjectSizeBytes int64 `yaml:"max_object_size_bytes" json:"max_object_size_bytes"`
	// MaxObjectAge finishes an object once it has been open this long
	MaxObjectAge time.Duration `yaml:"max_object_age" json:"max_object_age"`
	// FlushInterval is the cadence of the checkpoint flush loop
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	// ExpectedRecordBytes is the per-record reservation estimate for record queues
	ExpectedRecordBytes int64 `yaml:"expected_record_bytes" json:"expected_record_bytes"`
}

// StorageConfig configures the object store.
type StorageConfig struct {
	// Type is one of s3, gcs, minio, blob, memory
	Type string `yaml:"type" json:"type"`
	// Bucket is the destination bucket
	Bucket string `yaml:"bucket" json:"bucket"`
	// Prefix is prepended to every object key
	Prefix string `yaml:"prefix" json:"prefix"`
	// Region for S3-compatible stores
	Region string `yaml:"region" json:"region"`
	// Endpoint overrides the service endpoint (MinIO, R2, localstack)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// AccessKeyID for S3-compatible stores (use ${ENV} substitution)
	AccessKeyID string `yaml:"access_key_id" json:"access_key_id"`
	// SecretAccessKey for S3-compatible stores
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	// CredentialsFile is a GCS service account file
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// URL is a gocloud.dev bucket URL for the blob backend (file:///tmp/out, mem://)
	URL string `yaml:"url" json:"url"`
	// UseSSL toggles TLS for MinIO
	UseSSL bool `yaml:"use_ssl" json:"use_ssl"`
	// Staging writes objects under a staging prefix and promotes them on stream completion
	Staging bool `yaml:"staging" json:"staging"`
}

// FormatConfig controls object serialization.
type FormatConfig struct {
	// Type is jsonl or csv
	Type string `yaml:"type" json:"type"`
	// Compression is none, gzip, zstd, lz4 or snappy
	Compression string `yaml:"compression" json:"compression"`
	// CompressionLevel is 1 (fastest) to 4 (best)
	CompressionLevel int `yaml:"compression_level" json:"compression_level"`
}

// DLQConfig configures the dead-letter-first loader.
type DLQConfig struct {
	// Enabled prepends the DLQ loader step
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Type is validating or postgres. The validating loader has no
	// destination of its own and routes every record to object storage.
	Type string `yaml:"type" json:"type"`
	// DSN is the Postgres connection string
	DSN string `yaml:"dsn" json:"dsn"`
	// Schema is the Postgres schema holding raw tables
	Schema string `yaml:"schema" json:"schema"`
	// BatchSize is the number of records accumulated before a flush
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxRecordBytes rejects records larger than this
	MaxRecordBytes int `yaml:"max_record_bytes" json:"max_record_bytes"`
}

// ReliabilityConfig controls retries of storage operations.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for a storage operation
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// EnableMetrics serves prometheus metrics on MetricsAddr
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// MetricsAddr is the listen address of the metrics endpoint
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing exports spans to stdout
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
}

// NewLoaderConfig creates a LoaderConfig with production defaults.
func NewLoaderConfig(name string) *LoaderConfig {
	workers := runtime.NumCPU()
	return &LoaderConfig{
		Name: name,
		Memory: MemoryConfig{
			SystemMemoryRatio: 0.6,
			InputQueueRatio:   0.2,
			PartQueueRatio:    0.4,
			ResultQueueRatio:  0.05,
		},
		Pipeline: PipelineConfig{
			NumFormatterWorkers: workers,
			NumPartWorkers:      workers,
			NumUploadWorkers:    2,
			NumDLQWorkers:       2,
			PartSizeBytes:       10 * 1024 * 1024, // 10MB
			MaxObjectSizeBytes:  200 * 1024 * 1024,
			MaxObjectAge:        15 * time.Minute,
			FlushInterval:       time.Second,
			ExpectedRecordBytes: 1024,
		},
		Storage: StorageConfig{
			Type:   StorageMemory,
			Region: "us-east-1",
		},
		Format: FormatConfig{
			Type:             "jsonl",
			Compression:      "gzip",
			CompressionLevel: 2,
		},
		DLQ: DLQConfig{
			Type:           "validating",
			Schema:         "airbyte_raw",
			BatchSize:      5000,
			MaxRecordBytes: 16 * 1024 * 1024,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   5,
			RetryDelay:      500 * time.Millisecond,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
			MetricsAddr: ":9464",
		},
	}
}

// Validate validates the configuration for correctness.
func (c *LoaderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := c.Memory.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	switch c.Storage.Type {
	case StorageS3, StorageGCS, StorageMinio:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for %s", c.Storage.Type)
		}
	case StorageBlob:
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for blob storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Format.Type {
	case "jsonl", "csv":
	default:
		return fmt.Errorf("unknown format type %q", c.Format.Type)
	}
	if c.DLQ.Enabled {
		switch c.DLQ.Type {
		case "validating":
		case "postgres":
			if c.DLQ.DSN == "" {
				return fmt.Errorf("dlq.dsn is required for the postgres dlq loader")
			}
		default:
			return fmt.Errorf("unknown dlq type %q", c.DLQ.Type)
		}
		if c.Pipeline.NumDLQWorkers <= 0 {
			return fmt.Errorf("num_dlq_workers must be positive when dlq is enabled")
		}
	}
	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	return nil
}

func (m *MemoryConfig) validate() error {
	if m.TotalBytes < 0 {
		return fmt.Errorf("memory.total_bytes cannot be negative")
	}
	if m.TotalBytes == 0 && (m.SystemMemoryRatio <= 0 || m.SystemMemoryRatio > 1) {
		return fmt.Errorf("memory.system_memory_ratio must be in (0, 1]")
	}
	for name, r := range map[string]float64{
		"input_queue_ratio":  m.InputQueueRatio,
		"part_queue_ratio":   m.PartQueueRatio,
		"result_queue_ratio": m.ResultQueueRatio,
	} {
		if r <= 0 || r > 1 {
			return fmt.Errorf("memory.%s must be in (0, 1]", name)
		}
	}
	if sum := m.InputQueueRatio*2 + m.PartQueueRatio + m.ResultQueueRatio; sum > 1 {
		return fmt.Errorf("memory queue ratios sum to %.2f, must not exceed 1", sum)
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	if p.NumFormatterWorkers <= 0 || p.NumPartWorkers <= 0 || p.NumUploadWorkers <= 0 {
		return fmt.Errorf("worker counts must be positive")
	}
	if p.PartSizeBytes <= 0 {
		return fmt.Errorf("part_size_bytes must be positive")
	}
	if p.MaxObjectSizeBytes < p.PartSizeBytes {
		return fmt.Errorf("max_object_size_bytes must be at least part_size_bytes")
	}
	if p.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if p.ExpectedRecordBytes <= 0 {
		return fmt.Errorf("expected_record_bytes must be positive")
	}
	return nil
}
