package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultBatchSize is the chunk size used by the high-volume pipeline
// path when none is configured.
const DefaultBatchSize = 5000

// DefaultChunkTimeout bounds each chunk's transaction. A timeout is a
// chunk failure like any other.
const DefaultChunkTimeout = 30 * time.Second

// CommitFunc commits the half-open item range [lo, hi) as one
// transaction.
type CommitFunc func(ctx context.Context, lo, hi int) error

// WriterConfig tunes the batch writer.
type WriterConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
}

// DefaultWriterConfig returns the default ingestion batching parameters.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:    DefaultBatchSize,
		ChunkTimeout: DefaultChunkTimeout,
	}
}

// Writer commits entity or event creation in bounded-size chunks, one
// transaction per chunk. Chunks are independent: a failed chunk is rolled
// back, logged with its offset range, and processing continues with the
// next chunk. Ingestion is partial-success, not all-or-nothing.
type Writer struct {
	config WriterConfig
	logger *zap.Logger
}

// WriteResult reports how a chunked write went.
type WriteResult struct {
	Committed    int // items in committed chunks
	Failed       int // items in rolled-back chunks
	ChunksFailed int
}

// NewWriter creates a batch writer.
func NewWriter(config WriterConfig, logger *zap.Logger) *Writer {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.ChunkTimeout <= 0 {
		config.ChunkTimeout = DefaultChunkTimeout
	}
	return &Writer{config: config, logger: logger}
}

// Write commits total items through commit in chunks of the configured
// size. Chunk failures never propagate; they are reflected in the result.
func (w *Writer) Write(ctx context.Context, total int, commit CommitFunc) WriteResult {
	var res WriteResult

	for lo := 0; lo < total; lo += w.config.BatchSize {
		hi := lo + w.config.BatchSize
		if hi > total {
			hi = total
		}

		chunkCtx, cancel := context.WithTimeout(ctx, w.config.ChunkTimeout)
		err := commit(chunkCtx, lo, hi)
		cancel()

		if err != nil {
			res.Failed += hi - lo
			res.ChunksFailed++
			w.logger.Error("chunk commit failed, continuing with next chunk",
				zap.Int("offset_start", lo),
				zap.Int("offset_end", hi),
				zap.Error(err))
			continue
		}
		res.Committed += hi - lo
	}
	return res
}
