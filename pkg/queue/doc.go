// Package queue implements the job queue at the heart of taskrig: callers
// submit units of work with an attempt budget and an optional deferral
// level, workers drain them, and failed attempts are reverted to their lane
// until the budget runs out.
//
// Lane ordering is deliberate and load-bearing: level 0 is the default lane
// and is serviced with strict preference over every higher level. Raising a
// job's level defers it behind all lower-level pending work, which is why
// the knob is called a deferral level and not a priority.
package queue
