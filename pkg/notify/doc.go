// Package notify implements a lock-free multicast feed for occurrence
// outcomes.
//
// A Feed fans every published Outcome out to all current subscribers.
// The subscriber list is an immutable snapshot behind an atomic pointer;
// Subscribe/Unsubscribe/Close are compare-and-swap retry loops, so Publish
// never takes a lock and never sees a torn list.
package notify
