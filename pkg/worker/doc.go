// Package worker drains a queue.Manager with one or more concurrent worker
// loops, fabricating and reusing the argument each job runs against
// according to a reuse strategy.
//
// Arguments may opt into two capabilities, detected by type assertion:
// Activatable (explicit start/stop lifecycle around use) and Throttled
// (minimum spacing between successive uses of the same instance, enforced
// with golang.org/x/time/rate).
package worker
