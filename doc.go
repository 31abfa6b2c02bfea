// Package nebulaloader is a checkpointed bulk loader. It reads a stream of
// RECORD, STATE and TRACE messages, writes the records to object storage as
// compressed multipart objects, and echoes each STATE message only after every
// record it covers has been durably stored.
//
// # Architecture
//
// A load is a chain of worker stages joined by bounded, memory-accounted
// queues:
//
//	stdin -> consumer -> [dlq loader] -> formatter -> part loader -> upload completer
//	                                                                      |
//	                     checkpoint store <- completion histogram <-------+
//
// Every queued item holds a reservation against one global memory budget, so
// a slow destination applies back-pressure all the way to the reader instead
// of growing the heap. The consumer tags each record with the checkpoint
// interval it belongs to; the completer counts finished records per interval
// and the reconciler emits a checkpoint once its interval is fully stored.
//
// # Key Packages
//
//	internal/memory   - Memory budget and hierarchical reservations
//	internal/queue    - Partitioned and reservation-holding queues
//	internal/state    - Checkpoint keys, completion histogram, state store, stream tracker
//	internal/format   - Record encoders, compression and object parts
//	internal/dlq      - Dead-letter loaders for the DLQ-first layout
//	internal/pipeline - Formatter, part loader and completer stages
//	internal/loader   - Wires a load together from configuration
//	pkg/objectstore   - S3, GCS, MinIO and gocloud blob backends
//	pkg/protocol      - Line protocol decoding and checkpoint emission
//
// # Quick Start
//
//	cfg, _ := config.Load("loader.yaml")
//	store, _ := objectstore.NewFromConfig(ctx, cfg.Storage, log)
//	client := objectstore.WithRetry(store, retry.FromConfig(cfg.Reliability), log)
//
//	l, _ := loader.New(cfg, client, log)
//	summary, err := l.Run(ctx, os.Stdin, protocol.NewEmitter(os.Stdout))
//
// # Configuration
//
//	name: users-sync
//	memory:
//	  total_bytes: 536870912
//	pipeline:
//	  num_formatter_workers: 4
//	  num_part_workers: 4
//	  num_upload_workers: 8
//	  part_size_bytes: 8388608
//	storage:
//	  type: s3
//	  bucket: landing
//	  prefix: raw
//	  staging: true
//	format:
//	  type: jsonl
//	  compression: zstd
//
// Environment variables are supported with ${VAR_NAME} syntax, and command
// line flags override NEBULA_LOADER_* variables which override the file.
package nebulaloader
