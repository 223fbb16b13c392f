// Package scheduler runs periodic tasks from a min-heap ordered by next
// run time.
//
// One control goroutine owns the heap and all next-run transitions; a
// single mutex guards the heap and the id lookup map. Executions are
// handed to a Backend (bounded local pool, or NATS request-reply with
// local fallback) and never block the control loop. Removal is lazy: a
// removed task keeps its heap slot as a tombstone until it surfaces.
package scheduler
