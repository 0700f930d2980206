package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	busChannel    = "cardroom:bus"
	subsPrefix    = "cardroom:subs:"
	connPrefix    = "cardroom:conn:"
	seqPrefix     = "cardroom:seq:"
	presenceKey   = "cardroom:presence"
	chatPrefix    = "cardroom:chat:history:"
	connTTL       = 24 * time.Hour
	chatRetention = 24 * time.Hour
	chatMaxLen    = 1000
)

// Redis implements Fabric on a shared redis. Index writes are retried
// with capped exponential backoff; the bus subscriber reconnects on
// failure and then signals Resync so local mirrors can reconcile.
type Redis struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, logger *log.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("fabric: redis ping %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, logger: logger.WithPrefix("fabric")}, nil
}

// NewRedisFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisFromClient(rdb *redis.Client, logger *log.Logger) *Redis {
	return &Redis{rdb: rdb, logger: logger.WithPrefix("fabric")}
}

// retry runs op with capped exponential backoff until it succeeds, the
// backoff budget is spent, or ctx is cancelled.
func (r *Redis) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fabric: marshal envelope: %w", err)
	}
	return r.retry(ctx, func() error {
		return r.rdb.Publish(ctx, busChannel, data).Err()
	})
}

func (r *Redis) Subscribe(ctx context.Context) (*Subscription, error) {
	out := make(chan Envelope, 256)
	resync := make(chan struct{}, 1)
	subCtx, cancel := context.WithCancel(ctx)

	go r.consume(subCtx, out, resync)

	return &Subscription{
		C:      out,
		Resync: resync,
		close:  cancel,
	}, nil
}

// consume pumps bus messages into out, reconnecting with backoff on
// transport failure. After every successful reconnect it fires resync.
func (r *Redis) consume(ctx context.Context, out chan<- Envelope, resync chan<- struct{}) {
	defer close(out)

	delay := time.Second
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := r.rdb.Subscribe(ctx, busChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Bus subscribe failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}
		delay = time.Second

		if !first {
			select {
			case resync <- struct{}{}:
			default:
			}
		}
		first = false

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				_ = pubsub.Close()
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("Bus receive failed, reconnecting", "error", err)
				break
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Error("Dropping malformed bus envelope", "error", err)
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
	}
}

func (r *Redis) NextSeq(ctx context.Context, channelKey string) (uint64, error) {
	var seq int64
	err := r.retry(ctx, func() error {
		var err error
		seq, err = r.rdb.Incr(ctx, seqPrefix+channelKey).Result()
		return err
	})
	return uint64(seq), err
}

func (r *Redis) AddSubscription(ctx context.Context, channelKey, connID string) error {
	return r.retry(ctx, func() error {
		return r.rdb.SAdd(ctx, subsPrefix+channelKey, connID).Err()
	})
}

func (r *Redis) RemoveSubscription(ctx context.Context, channelKey, connID string) error {
	return r.retry(ctx, func() error {
		return r.rdb.SRem(ctx, subsPrefix+channelKey, connID).Err()
	})
}

func (r *Redis) Subscribers(ctx context.Context, channelKey string) ([]string, error) {
	var members []string
	err := r.retry(ctx, func() error {
		var err error
		members, err = r.rdb.SMembers(ctx, subsPrefix+channelKey).Result()
		return err
	})
	return members, err
}

func (r *Redis) RegisterConn(ctx context.Context, entry ConnEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("fabric: marshal conn entry: %w", err)
	}
	return r.retry(ctx, func() error {
		return r.rdb.Set(ctx, connPrefix+entry.ConnID, data, connTTL).Err()
	})
}

func (r *Redis) DeregisterConn(ctx context.Context, connID string) error {
	return r.retry(ctx, func() error {
		return r.rdb.Del(ctx, connPrefix+connID).Err()
	})
}

func (r *Redis) SetPresence(ctx context.Context, userID, status string) error {
	return r.retry(ctx, func() error {
		if status == PresenceOffline {
			return r.rdb.HDel(ctx, presenceKey, userID).Err()
		}
		return r.rdb.HSet(ctx, presenceKey, userID, status).Err()
	})
}

func (r *Redis) AllPresence(ctx context.Context) (map[string]string, error) {
	var all map[string]string
	err := r.retry(ctx, func() error {
		var err error
		all, err = r.rdb.HGetAll(ctx, presenceKey).Result()
		return err
	})
	return all, err
}

func (r *Redis) AppendChat(ctx context.Context, tableID string, entry ChatEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("fabric: marshal chat entry: %w", err)
	}
	key := chatPrefix + tableID
	return r.retry(ctx, func() error {
		pipe := r.rdb.TxPipeline()
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, chatMaxLen-1)
		pipe.Expire(ctx, key, chatRetention)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *Redis) ChatHistory(ctx context.Context, tableID string) ([]ChatEntry, error) {
	var raw []string
	err := r.retry(ctx, func() error {
		var err error
		raw, err = r.rdb.LRange(ctx, chatPrefix+tableID, 0, chatMaxLen-1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-chatRetention)
	// LPush stores newest first; return oldest first.
	out := make([]ChatEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry ChatEntry
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			r.logger.Error("Dropping malformed chat entry", "table", tableID, "error", err)
			continue
		}
		if entry.Ts.After(cutoff) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
