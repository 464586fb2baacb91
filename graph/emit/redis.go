package emit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisChannelPrefix prefixes the pub/sub channel of every execution.
const RedisChannelPrefix = "flowrun:execution:"

// RedisEmitter publishes events to Redis so that SSE endpoints in other
// processes can relay progress of executions they do not run.
type RedisEmitter struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  log.FieldLogger
}

// NewRedisEmitter publishes through client with a per-publish timeout.
func NewRedisEmitter(client redis.UniversalClient, logger log.FieldLogger) *RedisEmitter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisEmitter{
		client:  client,
		timeout: 2 * time.Second,
		logger:  logger.WithField("module", "redis_emitter"),
	}
}

// Channel returns the pub/sub channel for executionID.
func Channel(executionID string) string {
	return RedisChannelPrefix + executionID
}

func (r *RedisEmitter) Emit(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.WithError(err).Warn("failed to encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, Channel(event.ExecutionID), payload).Err(); err != nil {
		r.logger.WithError(err).WithField("executionId", event.ExecutionID).Warn("failed to publish event")
	}
}

// Relay subscribes to every execution channel and re-emits decoded events
// into bus until ctx is cancelled.
func Relay(ctx context.Context, client redis.UniversalClient, bus *Bus) error {
	sub := client.PSubscribe(ctx, RedisChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			bus.Emit(ev)
		}
	}
}
