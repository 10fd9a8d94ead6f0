package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/service-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

// KafkaProducer publishes provider location pings for the consumer and
// activity entries for whoever audits them downstream.
type KafkaProducer struct {
	locations *kafka.Writer
	activity  *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, activityTopic string) *KafkaProducer {
	p := &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
	}
	if activityTopic != "" {
		// activity is fire-and-forget, so the writer batches in the background
		p.activity = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        activityTopic,
			Balancer:     &kafka.LeastBytes{},
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
		}
	}
	return p
}

// PublishLocation blocks until the broker acknowledges the write. Messages
// are keyed by phone so one provider's pings stay ordered on a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	msg, err := LocationMessage(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.locations.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) PublishActivity(ctx context.Context, e models.ActivityEntry) error {
	if k.activity == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.RequestID
	if key == "" {
		key = e.ActorPhone
	}
	return k.activity.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{k.locations, k.activity} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func LocationMessage(u models.LocationUpdate) (kafka.Message, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(u.Phone), Value: b, Time: u.Timestamp}, nil
}

// DecodeLocation parses and validates a location message value.
func DecodeLocation(b []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("decode location: %w", err)
	}
	u.Phone = strings.TrimSpace(u.Phone)
	if u.Phone == "" {
		return u, fmt.Errorf("decode location: missing phone")
	}
	if !(models.LatLng{Lat: u.Lat, Lng: u.Lng}).Valid() {
		return u, fmt.Errorf("decode location: coordinates out of range")
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	return u, nil
}
