package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenda/dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands: positions live in
// a single geo set keyed by driver id, dispatch metadata in a hash per
// driver. A driver going offline is removed from the geo set so it
// disappears from radius queries immediately.
type RedisIndex struct {
	client *redis.Client
	key    string
	maxAge time.Duration
}

func NewRedisIndex(addr, password, key string, maxAge time.Duration) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, maxAge: maxAge}
}

func (r *RedisIndex) Upsert(ctx context.Context, p models.DriverPresence) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID,
	}).Result(); err != nil {
		return fmt.Errorf("geoadd %s: %w", p.DriverID, err)
	}
	if err := r.client.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"online":  strconv.FormatBool(p.Online),
		"vehicle": string(p.Vehicle),
		"rating":  fmt.Sprintf("%f", p.Rating),
		"updated": p.UpdatedAt.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisIndex) SetOnline(ctx context.Context, driverID string, online bool) error {
	if err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":  strconv.FormatBool(online),
		"updated": time.Now().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return fmt.Errorf("hset online %s: %w", driverID, err)
	}
	if !online {
		if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
			return fmt.Errorf("zrem %s: %w", driverID, err)
		}
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("hgetall %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.DriverPresence{}, models.ErrDriverOffline
	}
	p := presenceFromMeta(driverID, m)
	if pos, err := r.client.GeoPos(ctx, r.key, driverID).Result(); err == nil && len(pos) > 0 && pos[0] != nil {
		p.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return p, nil
}

func (r *RedisIndex) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]models.DriverPresence, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lon, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	cutoff := time.Now().Add(-r.maxAge)
	out := make([]models.DriverPresence, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		p := presenceFromMeta(g.Name, m)
		p.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !p.Online || p.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisIndex) Close() error { return r.client.Close() }

func presenceFromMeta(driverID string, m map[string]string) models.DriverPresence {
	p := models.DriverPresence{DriverID: driverID}
	p.Online = m["online"] == "true"
	p.Vehicle = models.VehicleType(m["vehicle"])
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Rating = f
		}
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.UpdatedAt = t
		}
	}
	return p
}

func metaKey(id string) string { return "driver:meta:" + id }
