// Package schedule runs work at a time instead of right away: after a
// delay, at an absolute instant, every period, or on a cron expression.
//
// The scheduler keeps its tasks in an unordered bag behind an atomic
// pointer; every read/mutation is an atomic swap-scan-reinsert, so the
// background loop and concurrent submitters never contend on one lock.
// The loop polls a coarse lookahead window and gives each due occurrence
// its own goroutine that sleeps the exact remaining delay, which bounds
// loop work to the number of due tasks per tick while still firing at the
// scheduled instant.
//
// Occurrence outcomes are published on a notify.Feed. A task may run its
// occurrences inline or hand them to a queue.Manager, reusing the queue's
// retry and deferral machinery.
package schedule
