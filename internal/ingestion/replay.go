package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"candle-cache/internal/domain"
	"candle-cache/internal/feed"
	"candle-cache/internal/logger"
)

// Replayer rebuilds candles from recorded feed frames, one JSON frame per line.
type Replayer struct {
	runner    *Runner
	batchSize int
	log       *logger.Logger
}

// ReplayerOptions contains configuration for creating a Replayer.
type ReplayerOptions struct {
	Runner    *Runner
	BatchSize int // Default: 10000
	Logger    *logger.Logger
}

// NewReplayer creates a replayer that applies frames through runner.
func NewReplayer(opts ReplayerOptions) *Replayer {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 10000
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Replayer{
		runner:    opts.Runner,
		batchSize: batchSize,
		log:       log.Named("replay"),
	}
}

// ReplayResult contains statistics from a replay.
type ReplayResult struct {
	Lines    int           `json:"lines"`
	Applied  int           `json:"applied"`
	Skipped  int           `json:"skipped"`
	Flushed  int           `json:"flushed"`
	Duration time.Duration `json:"duration_ns"`
}

// Replay reads frames from r, applies them in batches and flushes after
// every batch. Blank lines are ignored; malformed frames are counted and
// skipped.
func (rp *Replayer) Replay(ctx context.Context, r io.Reader) (*ReplayResult, error) {
	start := time.Now()
	result := &ReplayResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	batch := make([]domain.Tick, 0, rp.batchSize)
	apply := func() error {
		if len(batch) == 0 {
			return nil
		}
		SortTicks(batch)
		if err := ValidateTickOrdering(batch); err != nil {
			return err
		}
		rp.runner.ApplyBatch(batch)
		result.Applied += len(batch)
		batch = batch[:0]

		n, err := rp.runner.Flush(ctx)
		result.Flushed += n
		return err
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		result.Lines++

		tick, err := feed.ParseFrame(line)
		if err != nil {
			result.Skipped++
			rp.log.Debug("skipping frame", zap.Int("line", result.Lines), zap.Error(err))
			continue
		}
		batch = append(batch, tick)

		if len(batch) >= rp.batchSize {
			if err := apply(); err != nil {
				return result, fmt.Errorf("replay: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("replay: read frames: %w", err)
	}
	if err := apply(); err != nil {
		return result, fmt.Errorf("replay: %w", err)
	}

	result.Duration = time.Since(start)
	rp.log.Info("replay complete",
		zap.Int("lines", result.Lines),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("flushed", result.Flushed),
		zap.Duration("took", result.Duration))
	return result, nil
}
