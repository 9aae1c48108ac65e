// Package hub fans one producer's chunk events out to a primary consumer
// and any number of read-only observers.
//
// Each session gets a bounded ring buffer (capped by count and by age) so a
// late-joining observer replays recent history before receiving live
// events. Delivery to every consumer goes through a bounded channel: a slow
// observer never blocks the producer or the primary consumer; its overflow
// is dropped and marked with an explicit gap notice. Terminal sessions stay
// attachable for a retention window, after which a janitor warns remaining
// observers and removes the buffer.
package hub
