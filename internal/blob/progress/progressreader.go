package progress

import (
	"context"
	"io"
)

// ProgressReader wraps an io.Reader, reports progress via a callback and
// blocks reads while its Gate is closed.
type ProgressReader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64)
	ctx            context.Context
	gate           *Gate
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	lastPercent    int64
	reportInterval int64 // bytes
}

// NewReader returns a reader reporting every interval bytes, on every whole percent crossed
// and once the total has been read. gate may be nil.
func NewReader(ctx context.Context, r io.Reader, total int64, interval int64, gate *Gate, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		ctx:            ctx,
		gate:           gate,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	if pr.gate != nil {
		if err := pr.gate.Wait(pr.ctx); err != nil {
			return 0, err
		}
	}

	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.shouldReport() {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	return n, err
}

// Consumed reports the number of bytes read so far.
func (pr *ProgressReader) Consumed() int64 {
	return pr.totalRead
}

func (pr *ProgressReader) shouldReport() bool {
	if pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
		return true
	}

	if pr.Total <= 0 {
		return false
	}

	if pr.totalRead >= pr.Total {
		return true
	}

	percent := pr.totalRead * 100 / pr.Total
	if percent > pr.lastPercent {
		pr.lastPercent = percent

		return true
	}

	return false
}
