package eta

import "github.com/kenda/dispatch/internal/models"

// Tariff prices a routed leg in Congolese francs.
type Tariff struct {
	BaseFC    float64
	PerKmFC   float64
	MinimumFC float64
}

// DefaultTariff is the KENDA city tariff: 1000 FC flag fall plus
// 700 FC per kilometre.
var DefaultTariff = Tariff{BaseFC: 1000, PerKmFC: 700, MinimumFC: 1000}

func (t Tariff) Price(leg Leg) float64 {
	p := t.BaseFC + t.PerKmFC*leg.DistanceMeters/1000.0
	if p < t.MinimumFC {
		p = t.MinimumFC
	}
	return p
}

// Quote is what ride creation stamps onto the row.
type Quote struct {
	Leg
	PriceFC float64
}

// Quoter resolves a pickup/destination pair into distance, duration
// and price, preferring the routing backend, falling back to the naive
// estimate when it is unreachable.
type Quoter struct {
	Client          Client
	Cache           *Cache
	DefaultSpeedMps float64
	Tariff          Tariff
}

func (q *Quoter) QuoteTrip(pickup, dest models.Coord) Quote {
	var leg Leg
	cached := false
	if q.Cache != nil {
		leg, cached = q.Cache.Get(pickup, dest)
	}
	if !cached {
		if q.Client != nil {
			if l, err := q.Client.Route(pickup, dest); err == nil {
				leg = l
				if q.Cache != nil {
					q.Cache.Set(pickup, dest, leg)
				}
			} else {
				leg = EstimateLeg(pickup, dest, q.DefaultSpeedMps)
			}
		} else {
			leg = EstimateLeg(pickup, dest, q.DefaultSpeedMps)
		}
	}
	return Quote{Leg: leg, PriceFC: q.Tariff.Price(leg)}
}
