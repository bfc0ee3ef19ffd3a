package geo

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/infrasalud/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the GEO set shared by the server and the presence
// consumer.
const DefaultRedisKey = "workers_geo"

// RedisGeo implements Geo using Redis GEO commands. Availability and the
// update time live in a per-worker meta hash next to the GEO set.
type RedisGeo struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

func NewRedisGeo(client *redis.Client, key string, logger *slog.Logger) *RedisGeo {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGeo{client: client, key: key, logger: logger}
}

func (r *RedisGeo) Upsert(p models.Presence) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.UpsertContext(ctx, p); err != nil {
		r.logger.Warn("redis presence upsert failed", slog.String("worker_id", p.WorkerID), slog.Any("error", err))
	}
}

// UpsertContext writes the position and meta hash in one pipeline.
func (r *RedisGeo) UpsertContext(ctx context.Context, p models.Presence) error {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.WorkerID})
	pipe.HSet(ctx, MetaKey(p.WorkerID), MetaFields(p))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(center models.Coord, radiusKm float64, limit int) []models.Presence {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, q).Result()
	if err != nil {
		r.logger.Warn("redis georadius failed", slog.Any("error", err))
		return nil
	}
	out := make([]models.Presence, 0, len(res))
	for _, g := range res {
		p := models.Presence{WorkerID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			applyMeta(&p, m)
		}
		if !p.Online {
			continue
		}
		out = append(out, p)
	}
	return out
}

func applyMeta(p *models.Presence, m map[string]string) {
	if v, ok := m["online"]; ok {
		p.Online = v == "true"
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.Updated = t
		}
	}
}

func MetaKey(id string) string { return "worker:meta:" + id }

// MetaFields is the meta hash written for a presence update.
func MetaFields(p models.Presence) map[string]interface{} {
	return map[string]interface{}{
		"online":  strconv.FormatBool(p.Online),
		"updated": p.Updated.UTC().Format(time.RFC3339Nano),
	}
}
