package categorize

import (
	"context"
	"sync"
)

// BatchItem is the resolution of one request in a batch.
type BatchItem struct {
	Err     error
	Request Request
	Result  Result
	Index   int
}

// ResolveBatch resolves requests with a fixed pool of workers. Items not started
// before ctx is canceled carry ctx.Err(); a started item runs to completion.
// Results are returned in request order.
func (c *Cascade) ResolveBatch(ctx context.Context, requests []Request, workers int) []BatchItem {
	if workers <= 0 {
		workers = 1
	}

	workChan := make(chan int, len(requests))
	for i := range requests {
		workChan <- i
	}
	close(workChan)

	results := make([]BatchItem, len(requests))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			for i := range workChan {
				item := BatchItem{Index: i, Request: requests[i]}
				if err := ctx.Err(); err != nil {
					item.Err = err
					results[i] = item
					continue
				}

				item.Result, item.Err = c.Resolve(context.WithoutCancel(ctx), requests[i])
				if item.Err != nil {
					c.logger.Debug("batch item failed",
						"worker_id", workerID,
						"description", requests[i].Description,
						"error", item.Err)
				}
				results[i] = item
			}
		}(w)
	}
	wg.Wait()

	c.logger.Debug("batch categorization finished", "items", len(requests))
	return results
}
