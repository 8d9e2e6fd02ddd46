package steps

import "sync"

// runBounded runs fn(i) for i in [0, n) over a semaphore-bounded worker
// pool sized workers, collecting one error per index. Same shape as
// internal/crop's parallel compose-job runner.
func runBounded(n, workers int, fn func(i int) error) []error {
	errs := make([]error, n)
	if workers <= 1 {
		for i := 0; i < n; i++ {
			errs[i] = fn(i)
		}
		return errs
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()
	return errs
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
