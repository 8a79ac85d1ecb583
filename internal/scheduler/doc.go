// Package scheduler owns the transfer slot pool.
//
// Slots are partitioned into an Express reserve, a Standard reserve and a
// Background remainder. A lane may occupy idle slots of its own partition or
// of any lower-priority partition, never a higher one. Pending requests are
// admitted in lane priority order, FIFO within a lane.
//
// Only Express preempts. When no usable slot is idle, the active grant in the
// lowest lane below Express is paused (longest-running first), its slot is
// handed over, and a resume ticket is placed at the head of its lane. An item
// preempted once is immune for the configured dwell time.
package scheduler
