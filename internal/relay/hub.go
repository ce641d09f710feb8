package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenda/dispatch/internal/models"
	"github.com/kenda/dispatch/internal/observability"
)

const subscriberBuffer = 16

// Subscription is one registered interest in the change feed. Events
// arrive on C; Close unregisters and must be called when the consumer
// goes away, or the hub leaks the slot.
type Subscription struct {
	C      <-chan models.RideEvent
	cancel func()
	once   sync.Once
}

func (s *Subscription) Close() { s.once.Do(s.cancel) }

type openSub struct {
	ch       chan models.RideEvent
	driverID string
}

// Hub fans ride and presence mutations out to subscribers. Delivery is
// at-least-once with no ordering across distinct rides; every event is
// a full row snapshot. Publishing never blocks: a subscriber that
// cannot keep up loses events (counted), and is expected to recover
// via the reconciler's periodic re-publish.
type Hub struct {
	mu       sync.RWMutex
	nextID   int
	rideSubs map[string]map[int]chan models.RideEvent
	openSubs map[int]openSub
	presSubs map[int]chan models.RideEvent
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		rideSubs: make(map[string]map[int]chan models.RideEvent),
		openSubs: make(map[int]openSub),
		presSubs: make(map[int]chan models.RideEvent),
		log:      log,
	}
}

// SubscribeRide registers interest in every update to a single ride.
// The hub pushes only changes; the caller fetches current state
// separately on subscribe.
func (h *Hub) SubscribeRide(rideID string) *Subscription {
	ch := make(chan models.RideEvent, subscriberBuffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.rideSubs[rideID] == nil {
		h.rideSubs[rideID] = make(map[int]chan models.RideEvent)
	}
	h.rideSubs[rideID][id] = ch
	h.mu.Unlock()
	observability.RelaySubscribers.Inc()
	return &Subscription{C: ch, cancel: func() {
		h.mu.Lock()
		if subs := h.rideSubs[rideID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.rideSubs, rideID)
			}
		}
		h.mu.Unlock()
		observability.RelaySubscribers.Dec()
	}}
}

// SubscribeOpenRides registers a driver on the stream of rides entering
// or leaving SEARCHING. Targeted rides are only delivered to the driver
// they are aimed at.
func (h *Hub) SubscribeOpenRides(driverID string) *Subscription {
	ch := make(chan models.RideEvent, subscriberBuffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.openSubs[id] = openSub{ch: ch, driverID: driverID}
	h.mu.Unlock()
	observability.RelaySubscribers.Inc()
	return &Subscription{C: ch, cancel: func() {
		h.mu.Lock()
		delete(h.openSubs, id)
		h.mu.Unlock()
		observability.RelaySubscribers.Dec()
	}}
}

// SubscribePresence registers interest in online-driver presence
// changes.
func (h *Hub) SubscribePresence() *Subscription {
	ch := make(chan models.RideEvent, subscriberBuffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.presSubs[id] = ch
	h.mu.Unlock()
	observability.RelaySubscribers.Inc()
	return &Subscription{C: ch, cancel: func() {
		h.mu.Lock()
		delete(h.presSubs, id)
		h.mu.Unlock()
		observability.RelaySubscribers.Dec()
	}}
}

// PublishRide routes a ride snapshot to its per-ride subscribers and,
// when dispatch-relevant, to the open-rides stream. SEARCHING means the
// ride is (still) open; ACCEPTED and CANCELLED tell scanning drivers to
// drop it from their list.
func (h *Hub) PublishRide(kind models.EventKind, ride *models.Ride) {
	ev := models.RideEvent{ID: uuid.NewString(), Kind: kind, Ride: ride, At: time.Now()}
	observability.RelayEventsTotal.WithLabelValues(string(kind)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.rideSubs[ride.ID] {
		h.offer(ch, ev)
	}

	switch ride.Status {
	case models.StatusSearching:
		for _, sub := range h.openSubs {
			if ride.Targeted() && *ride.DriverID != sub.driverID {
				continue
			}
			h.offer(sub.ch, ev)
		}
	case models.StatusAccepted, models.StatusCancelled:
		for _, sub := range h.openSubs {
			h.offer(sub.ch, ev)
		}
	}
}

// PublishPresence routes a presence snapshot to presence subscribers.
func (h *Hub) PublishPresence(p *models.DriverPresence) {
	ev := models.RideEvent{ID: uuid.NewString(), Kind: models.EventPresence, Presence: p, At: time.Now()}
	observability.RelayEventsTotal.WithLabelValues(string(models.EventPresence)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.presSubs {
		h.offer(ch, ev)
	}
}

func (h *Hub) offer(ch chan models.RideEvent, ev models.RideEvent) {
	select {
	case ch <- ev:
	default:
		observability.RelayDropsTotal.Inc()
		h.log.Warn("relay drop", "event_id", ev.ID, "kind", ev.Kind)
	}
}
