package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"beacon/cmd/internal/location"

	"github.com/redis/go-redis/v9"
)

const (
	fieldLat        = "lat"
	fieldLng        = "lng"
	fieldAccuracy   = "accuracy"
	fieldLastActive = "last_active"
)

// RedisStore keeps one hash per user at "presence:<uid>".
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithTTL expires a presence hash ttl after its last write. Zero keeps records forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps rdb. The store owns rdb and closes it on Close.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("presence: nil redis client")
	}
	s := &RedisStore{rdb: rdb}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, uid string) (Record, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, presenceKey(uid)).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	r, err := decodeRecord(vals)
	if err != nil {
		return Record{}, false, fmt.Errorf("presence: decode %s: %w", presenceKey(uid), err)
	}
	return r, true, nil
}

func (s *RedisStore) Upsert(ctx context.Context, uid string, r Record) error {
	if uid == "" {
		return ErrNoUser
	}
	fields := encodeRecord(r)
	if len(fields) == 0 {
		return nil
	}

	key := presenceKey(uid)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		if r.Location != nil && r.Location.Accuracy == nil {
			p.HDel(ctx, key, fieldAccuracy)
		}
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func presenceKey(uid string) string {
	return "presence:" + uid
}

func encodeRecord(r Record) map[string]any {
	fields := make(map[string]any, 4)
	if r.Location != nil {
		fields[fieldLat] = strconv.FormatFloat(r.Location.Lat, 'f', -1, 64)
		fields[fieldLng] = strconv.FormatFloat(r.Location.Lng, 'f', -1, 64)
		if r.Location.Accuracy != nil {
			fields[fieldAccuracy] = strconv.FormatFloat(*r.Location.Accuracy, 'f', -1, 64)
		}
	}
	if !r.LastActive.IsZero() {
		fields[fieldLastActive] = r.LastActive.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeRecord(vals map[string]string) (Record, error) {
	var r Record

	latRaw, hasLat := vals[fieldLat]
	lngRaw, hasLng := vals[fieldLng]
	if hasLat && hasLng {
		lat, err := strconv.ParseFloat(latRaw, 64)
		if err != nil {
			return Record{}, err
		}
		lng, err := strconv.ParseFloat(lngRaw, 64)
		if err != nil {
			return Record{}, err
		}
		p := location.Point{Lat: lat, Lng: lng}
		if raw, ok := vals[fieldAccuracy]; ok {
			acc, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Record{}, err
			}
			p.Accuracy = &acc
		}
		r.Location = &p
	}

	if raw, ok := vals[fieldLastActive]; ok {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Record{}, err
		}
		r.LastActive = t
	}
	return r, nil
}
