package amqprpc

import "sync/atomic"

// Stats is a point-in-time snapshot of server counters.
//
// InFlight counts handler units that have been launched and not yet
// finished settling their message. There is no concurrency limit by
// default, so under a burst of deliveries this gauge grows without bound;
// see WithMaxConcurrency.
type Stats struct {
	InFlight  int64
	Delivered int64
	Acked     int64
	Requeued  int64
	Dropped   int64
	Replies   int64
	Panics    int64
}

type counters struct {
	inFlight  atomic.Int64
	delivered atomic.Int64
	acked     atomic.Int64
	requeued  atomic.Int64
	dropped   atomic.Int64
	replies   atomic.Int64
	panics    atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		InFlight:  c.inFlight.Load(),
		Delivered: c.delivered.Load(),
		Acked:     c.acked.Load(),
		Requeued:  c.requeued.Load(),
		Dropped:   c.dropped.Load(),
		Replies:   c.replies.Load(),
		Panics:    c.panics.Load(),
	}
}
