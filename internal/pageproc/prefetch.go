package pageproc

import (
	"context"
	"os"

	"golang.org/x/time/rate"
)

const prefetchPrefixBytes = 4096

// sentinelIndex marks a pageTask as a termination signal rather than real
// work; the prefetcher pushes one per worker after the last page.
const sentinelIndex = -1

type pageTask struct {
	index int
	path  string
}

// prefetch reads a small prefix of each page file, in order, to warm the
// filesystem cache ahead of the worker pool, then signals termination with
// one sentinel per worker. Reads are throttled by limiter so prefetching
// many large pages can't starve the workers' own I/O.
func prefetch(ctx context.Context, pagePaths []string, out chan<- pageTask, limiter *rate.Limiter, workerCount int) {
	defer close(out)

	buf := make([]byte, prefetchPrefixBytes)
	for i, path := range pagePaths {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		warmFile(path, buf)

		select {
		case out <- pageTask{index: i, path: path}:
		case <-ctx.Done():
			return
		}
	}
	for i := 0; i < workerCount; i++ {
		select {
		case out <- pageTask{index: sentinelIndex}:
		case <-ctx.Done():
			return
		}
	}
}

func warmFile(path string, buf []byte) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Read(buf)
}
