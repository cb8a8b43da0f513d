package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "fleet.branch."

// RedisBroker carries events between instances over redis pub/sub. One
// redis subscription is held per branch with local subscribers; local
// subscriptions demux off it.
type RedisBroker struct {
	rdb *redis.Client
	log zerolog.Logger

	mtx    sync.Mutex
	topics map[string]*redisTopic
	closed bool
}

type redisTopic struct {
	pubsub *redis.PubSub
	subs   map[string]*Subscription
	done   chan struct{}
}

func NewRedisBroker(rdb *redis.Client, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:    rdb,
		log:    log.With().Str("component", "fanout").Logger(),
		topics: make(map[string]*redisTopic),
	}
}

func (r *RedisBroker) Publish(ctx context.Context, ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("fanout: encode event: %w", err)
	}
	if err := r.rdb.Publish(ctx, channelPrefix+ev.Branch, b).Err(); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", ev.Branch, err)
	}
	return nil
}

func (r *RedisBroker) Subscribe(branch string) (*Subscription, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.closed {
		return nil, errors.New("fanout: broker closed")
	}

	topic, ok := r.topics[branch]
	if !ok {
		pubsub := r.rdb.Subscribe(context.Background(), channelPrefix+branch)
		topic = &redisTopic{
			pubsub: pubsub,
			subs:   make(map[string]*Subscription),
			done:   make(chan struct{}),
		}
		r.topics[branch] = topic
		go r.pump(branch, topic)
	}

	var sub *Subscription
	sub = newSubscription(branch, func() { r.unsubscribe(branch, sub) })
	topic.subs[sub.id] = sub
	return sub, nil
}

// pump reads the redis channel and demuxes to local subscriptions until
// the topic loses its last subscriber.
func (r *RedisBroker) pump(branch string, topic *redisTopic) {
	ch := topic.pubsub.Channel()
	for {
		select {
		case <-topic.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Str("branch", branch).Msg("dropping undecodable event")
				continue
			}

			r.mtx.Lock()
			targets := make([]*Subscription, 0, len(topic.subs))
			for _, sub := range topic.subs {
				targets = append(targets, sub)
			}
			r.mtx.Unlock()

			for _, sub := range targets {
				sub.deliver(&ev)
			}
		}
	}
}

func (r *RedisBroker) unsubscribe(branch string, sub *Subscription) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	topic, ok := r.topics[branch]
	if !ok {
		return
	}
	delete(topic.subs, sub.id)
	if len(topic.subs) == 0 {
		close(topic.done)
		_ = topic.pubsub.Close()
		delete(r.topics, branch)
	}
}

func (r *RedisBroker) Close() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for branch, topic := range r.topics {
		close(topic.done)
		_ = topic.pubsub.Close()
		delete(r.topics, branch)
	}
	r.closed = true
	return nil
}
