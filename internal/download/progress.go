package download

import (
	"fmt"
	"time"
)

// Progress is a snapshot of a running batch
type Progress struct {
	Fraction   float64
	Completed  int
	Total      int
	BytesDone  int64
	BytesTotal int64
	BytesLabel string
	SpeedLabel string
}

// ProgressFunc receives progress snapshots. It is called from a single
// reporting goroutine, never concurrently with itself.
type ProgressFunc func(Progress)

// FormatBytes renders n with a binary unit suffix
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed renders the rate of n bytes over elapsed
func FormatSpeed(n int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0 B/s"
	}
	return FormatBytes(int64(float64(n)/elapsed.Seconds())) + "/s"
}

func (d *Downloader) snapshot(elapsed time.Duration) Progress {
	done := d.doneBytes.Load()
	completed := int(d.completed.Load())
	window := d.windowBytes.Swap(0)

	var fraction float64
	switch {
	case d.batchBytes > 0:
		fraction = float64(done) / float64(d.batchBytes)
	case d.batchFiles > 0:
		fraction = float64(completed) / float64(d.batchFiles)
	default:
		fraction = 1
	}
	if fraction > 1 {
		fraction = 1
	}

	return Progress{
		Fraction:   fraction,
		Completed:  completed,
		Total:      d.batchFiles,
		BytesDone:  done,
		BytesTotal: d.batchBytes,
		BytesLabel: fmt.Sprintf("%s / %s", FormatBytes(done), FormatBytes(d.batchBytes)),
		SpeedLabel: FormatSpeed(window, elapsed),
	}
}

// reportLoop emits a snapshot every interval until stop is closed, then a final one
func (d *Downloader) reportLoop(stop <-chan struct{}, done chan<- struct{}, onProgress ProgressFunc) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.ProgressInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			if onProgress != nil {
				onProgress(d.snapshot(time.Since(last)))
			}
			return
		case now := <-ticker.C:
			p := d.snapshot(now.Sub(last))
			last = now
			if onProgress != nil {
				onProgress(p)
			}
		}
	}
}
