package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// downloadChunkSize bounds the copy buffer so throttling pauses can be
// interleaved between chunks.
const downloadChunkSize = 32 * 1024

// maxThrottlePause caps the inter-chunk pause so the download stays
// responsive to cancellation even under aggressive throttling.
const maxThrottlePause = 5 * time.Second

// ImageFileName is the well-known destination inside the data dir,
// overwritten each cycle.
const ImageFileName = "update.bin"

// Downloader streams update images to local storage.
type Downloader struct {
	HTTP HTTPClient
	// Throttle is the target download rate in bytes per second,
	// 0 disables throttling.
	Throttle int64
}

// Download streams url to dest under timeout, returning the byte count.
// On failure the partial file contents are undefined; verification
// rejects them before any apply can be scheduled.
func (d *Downloader) Download(ctx context.Context, url, dest string, timeout time.Duration) (int64, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create image file %q: %w", dest, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warnf("error closing image file %q: %v", dest, cerr)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("image download failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing download body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("image download failed with status %d", resp.StatusCode)
	}

	var total int64
	buf := make([]byte, downloadChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return total, fmt.Errorf("failed to write image file: %w", writeErr)
			}
			total += int64(n)

			if pause := throttlePause(int64(n), d.Throttle); pause > 0 {
				if err := sleepWithContext(ctx, pause); err != nil {
					return total, fmt.Errorf("download interrupted: %w", err)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("failed to read image stream: %w", readErr)
		}
	}

	log.Infof("downloaded %d bytes to %s", total, dest)
	return total, nil
}

// throttlePause converts a chunk size and a bytes-per-second rate into
// the pause that keeps the average rate at the target, clamped to
// maxThrottlePause.
func throttlePause(chunkBytes, rate int64) time.Duration {
	if rate <= 0 || chunkBytes <= 0 {
		return 0
	}
	pause := time.Duration(float64(chunkBytes) / float64(rate) * float64(time.Second))
	if pause > maxThrottlePause {
		return maxThrottlePause
	}
	return pause
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
