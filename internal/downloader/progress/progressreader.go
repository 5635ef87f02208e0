// Package progress reports how far a byte stream has been consumed.
package progress

import "io"

// Func receives the bytes read so far and the expected total, or -1 when unknown.
type Func func(read, total int64)

// Reader wraps an io.Reader and calls a Func every interval bytes and once at EOF.
type Reader struct {
	r        io.Reader
	total    int64
	interval int64
	onReport Func

	read       int64
	sinceLast  int64
	reportedAt int64
}

// NewReader returns a Reader; a non-positive interval reports only at EOF.
func NewReader(r io.Reader, total, interval int64, fn Func) *Reader {
	return &Reader{r: r, total: total, interval: interval, onReport: fn, reportedAt: -1}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)

	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.interval > 0 && pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && pr.reportedAt != pr.read {
		pr.report()
	}

	return n, err
}

// BytesRead is the number of bytes consumed so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceLast = 0
	pr.reportedAt = pr.read

	if pr.onReport != nil {
		pr.onReport(pr.read, pr.total)
	}
}
