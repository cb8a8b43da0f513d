package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaBroker carries events between instances over a single kafka topic.
// The branch id is the message key, so one branch maps to one partition
// and per-publisher order survives the trip. Each instance consumes with
// its own group id from the latest offset: every instance sees every
// event, which is what a live fanout wants.
type KafkaBroker struct {
	writer *kafka.Writer
	reader *kafka.Reader
	log    zerolog.Logger

	mtx    sync.Mutex
	subs   map[string]map[string]*Subscription
	cancel context.CancelFunc
	closed bool
}

func NewKafkaBroker(brokers []string, topic string, log zerolog.Logger) *KafkaBroker {
	b := &KafkaBroker{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     "fleetwatch-" + uuid.New().String(),
			StartOffset: kafka.LastOffset,
		}),
		log:  log.With().Str("component", "fanout").Logger(),
		subs: make(map[string]map[string]*Subscription),
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.pump(ctx)

	return b
}

func (k *KafkaBroker) Publish(ctx context.Context, ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("fanout: encode event: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Branch),
		Value: b,
	}); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", ev.Branch, err)
	}
	return nil
}

func (k *KafkaBroker) Subscribe(branch string) (*Subscription, error) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	if k.closed {
		return nil, errors.New("fanout: broker closed")
	}

	set, ok := k.subs[branch]
	if !ok {
		set = make(map[string]*Subscription)
		k.subs[branch] = set
	}

	var sub *Subscription
	sub = newSubscription(branch, func() { k.unsubscribe(branch, sub) })
	set[sub.id] = sub
	return sub, nil
}

func (k *KafkaBroker) pump(ctx context.Context) {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Warn().Err(err).Msg("kafka read failed")
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			k.log.Warn().Err(err).Msg("dropping undecodable event")
			continue
		}

		k.mtx.Lock()
		targets := make([]*Subscription, 0, len(k.subs[ev.Branch]))
		for _, sub := range k.subs[ev.Branch] {
			targets = append(targets, sub)
		}
		k.mtx.Unlock()

		for _, sub := range targets {
			sub.deliver(&ev)
		}
	}
}

func (k *KafkaBroker) unsubscribe(branch string, sub *Subscription) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	set, ok := k.subs[branch]
	if !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(k.subs, branch)
	}
}

func (k *KafkaBroker) Close() error {
	k.mtx.Lock()
	if k.closed {
		k.mtx.Unlock()
		return nil
	}
	k.closed = true
	k.subs = make(map[string]map[string]*Subscription)
	k.mtx.Unlock()

	k.cancel()
	rerr := k.reader.Close()
	werr := k.writer.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}
