// Package dedupe suppresses repeated transport deliveries of the same event.
//
// Matrix may hand the same event to a client more than once (sync retries,
// reconnects after a gappy timeline). Window remembers event ids for a bounded
// time and count so each inbound event is dispatched at most once.
package dedupe
