package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/observability"
	"github.com/kenda/dispatch/internal/relay"
)

const defaultReportInterval = 15 * time.Second

// Publisher is the downstream pipeline for location reports; in
// production it is the Kafka producer feeding the consumer binary.
type Publisher interface {
	PublishLocation(p models.DriverPresence) error
}

// Reporter runs a driver's location loop while online: one immediate
// report on start, then a report on every position delivered by Source
// and on a fallback ticker for platforms that throttle continuous
// callbacks. Every report is best effort; a failed write is logged and
// the loop keeps going. On teardown the driver is flipped offline and
// removed from index visibility. An in-flight ride is deliberately left
// alone: going offline mid-ride does not reassign it.
type Reporter struct {
	Driver    models.DriverPresence
	Index     Index
	Publisher Publisher
	Hub       *relay.Hub
	Source    <-chan models.Coord
	Interval  time.Duration
	Log       *slog.Logger
}

// Run blocks until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, start models.Coord) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultReportInterval
	}

	last := start
	r.report(ctx, last)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.goOffline()
			return
		case loc, ok := <-r.Source:
			if !ok {
				r.goOffline()
				return
			}
			last = loc
			r.report(ctx, last)
		case <-t.C:
			r.report(ctx, last)
		}
	}
}

func (r *Reporter) report(ctx context.Context, loc models.Coord) {
	p := r.Driver
	p.Online = true
	p.Loc = loc
	p.UpdatedAt = time.Now()

	if err := r.Index.Upsert(ctx, p); err != nil {
		r.Log.Warn("presence upsert failed", "driver_id", p.DriverID, "error", err)
	} else {
		observability.LocationReports.Inc()
	}
	if r.Publisher != nil {
		if err := r.Publisher.PublishLocation(p); err != nil {
			r.Log.Warn("location publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if r.Hub != nil {
		r.Hub.PublishPresence(&p)
	}
}

func (r *Reporter) goOffline() {
	// teardown uses its own context: the loop context is already done
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Index.SetOnline(ctx, r.Driver.DriverID, false); err != nil {
		r.Log.Warn("presence offline flip failed", "driver_id", r.Driver.DriverID, "error", err)
	}
	if r.Hub != nil {
		p := r.Driver
		p.Online = false
		p.UpdatedAt = time.Now()
		r.Hub.PublishPresence(&p)
	}
	r.Log.Info("driver offline", "driver_id", r.Driver.DriverID)
}
