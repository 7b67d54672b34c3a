// Package parallel contains the bounded fan-out used by the image loader and the CPU engine.
package parallel

import "sync"

// ForEach executes body for every integer in [0, length) with at most limit
// goroutines running at once. It returns once every call has finished.
func ForEach(length, limit int, body func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	if length <= 0 {
		return
	}
	if limit == 1 || length == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			body(i)
		}(i)
	}

	wg.Wait()
}

// ForEachChunk splits [0, length) into at most limit contiguous chunks and
// runs body(start, end) for each of them concurrently.
func ForEachChunk(length, limit int, body func(start, end int)) {
	if length <= 0 {
		return
	}
	if limit <= 0 {
		limit = 1
	}
	if limit > length {
		limit = length
	}
	chunk := (length + limit - 1) / limit
	ForEach(limit, limit, func(c int) {
		start := c * chunk
		end := start + chunk
		if end > length {
			end = length
		}
		if start < end {
			body(start, end)
		}
	})
}
