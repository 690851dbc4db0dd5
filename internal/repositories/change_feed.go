package repositories

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const changeChannelPrefix = "ledgersync:changes:"

var (
	_ ChangePublisher   = (*RedisChangeFeed)(nil)
	_ engine.ChangeFeed = (*RedisChangeFeed)(nil)
)

// RedisChangeFeed carries change events over Redis pub/sub, one channel per owner and table.
type RedisChangeFeed struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisChangeFeed(client *redis.Client, log zerolog.Logger) *RedisChangeFeed {
	return &RedisChangeFeed{client: client, log: log}
}

func changeChannel(ownerID, table string) string {
	return changeChannelPrefix + ownerID + ":" + table
}

func (f *RedisChangeFeed) Publish(ctx context.Context, ownerID string, ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, changeChannel(ownerID, ev.Table), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w: %w", models.ErrConnectivity, err)
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription, so no event
// published afterwards is missed.
func (f *RedisChangeFeed) Subscribe(ctx context.Context, ownerID, table string) (engine.FeedChannel, error) {
	ps := f.client.Subscribe(ctx, changeChannel(ownerID, table))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w: %w", table, models.ErrConnectivity, err)
	}

	ch := &redisFeedChannel{
		ps:     ps,
		events: make(chan models.ChangeEvent, 64),
		done:   make(chan struct{}),
		log:    f.log.With().Str("table", table).Logger(),
	}
	go ch.pump()
	return ch, nil
}

type redisFeedChannel struct {
	ps     *redis.PubSub
	events chan models.ChangeEvent
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (c *redisFeedChannel) pump() {
	defer close(c.events)
	for msg := range c.ps.Channel() {
		var ev models.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			c.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed change event")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *redisFeedChannel) Events() <-chan models.ChangeEvent {
	return c.events
}

func (c *redisFeedChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ps.Close()
	})
	return err
}
