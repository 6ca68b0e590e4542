// Package progress reports how far a stream has been read.
package progress

import "io"

// Reader wraps an io.Reader and calls OnProgress every interval bytes and at
// every 5% step of a known total.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	onProgress func(written, total int64)

	written    int64
	lastReport int64
}

// NewReader wraps r. total is -1 or 0 when unknown; cb may be nil.
func NewReader(r io.Reader, total, interval int64, cb func(written, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		prev := pr.written
		pr.written += int64(n)

		if pr.onProgress != nil && pr.due(prev) {
			pr.onProgress(pr.written, pr.total)
			pr.lastReport = pr.written
		}
	}

	return n, err
}

// Written returns the bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.written
}

func (pr *Reader) due(prev int64) bool {
	if pr.interval > 0 && pr.written-pr.lastReport >= pr.interval {
		return true
	}

	if pr.total > 0 {
		return pr.written*20/pr.total > prev*20/pr.total
	}

	return false
}
