// Package device runs the biosync core as a single cooperative loop.
//
// A Device owns every mutable component through an explicit Context. Run
// ticks at the poll interval and calls Step, which in order:
//
//  1. dispatches commands received since the last step,
//  2. re-evaluates connectivity when due and reacts to transitions,
//  3. drives a pending enrollment or polls the sensor for a capture,
//  4. publishes a heartbeat and drains the offline queue when due.
//
// Transport callbacks never touch the cache or queue; they only push into
// the bounded inbox that Step empties.
package device
