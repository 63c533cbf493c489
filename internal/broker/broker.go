// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker wraps the RabbitMQ connection behind publish/consume
// primitives for the pipeline's durable topics. Delivery is at-least-once:
// a work item is acknowledged only after its handler completes, so a crash
// mid-handler causes redelivery and all downstream writes must be
// idempotent or checked-before-write.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Durable queue topics.
const (
	TopicNewAd          = "new-ad-found"
	TopicSendDM         = "send-dm-request"
	TopicDMResponse     = "dm-response-received"
	TopicOwnerConfirmed = "owner-confirmed"
)

// ErrRequeue signals backpressure, not failure: the work item goes back to
// the queue via Nack(requeue) and is redelivered later.
var ErrRequeue = errors.New("work item requeued")

// requeuePause spaces out redeliveries of a backpressured item so an
// exhausted account pool does not spin the consumer loop.
const requeuePause = 5 * time.Second

// Handler processes one delivered work item body.
type Handler func(ctx context.Context, body []byte) error

// Broker is a RabbitMQ connection with the pipeline topics declared.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials RabbitMQ and declares the durable pipeline topics.
func Connect(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	// Fair dispatch: an unacked item blocks only its worker, not the queue.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	for _, topic := range []string{TopicNewAd, TopicSendDM, TopicDMResponse, TopicOwnerConfirmed} {
		if _, err := ch.QueueDeclare(
			topic,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", topic, err)
		}
	}

	slog.Info("connected to rabbitmq", "topics", 4)
	return &Broker{conn: conn, ch: ch}, nil
}

// Publish serialises payload as JSON and publishes it persistently.
func (b *Broker) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	err = b.ch.Publish(
		"",    // default exchange
		topic, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	slog.Debug("published work item", "topic", topic, "bytes", len(body))
	return nil
}

// Consume runs `workers` goroutines over the topic's delivery stream.
// Each item is acked after its handler returns nil, requeued on
// ErrRequeue (after a pacing pause) and on any other error.
func (b *Broker) Consume(ctx context.Context, topic string, workers int, handler Handler) error {
	deliveries, err := b.ch.Consume(
		topic,
		"",    // server-generated consumer tag
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(ctx, topic, d, handler)
				}
			}
		}()
	}

	slog.Info("consumer started", "topic", topic, "workers", workers)
	return nil
}

func (b *Broker) handle(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	err := handler(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("ack failed", "topic", topic, "error", ackErr)
		}
	case errors.Is(err, ErrRequeue):
		slog.Info("work item requeued", "topic", topic)
		select {
		case <-time.After(requeuePause):
		case <-ctx.Done():
		}
		if nackErr := d.Nack(false, true); nackErr != nil {
			slog.Error("nack failed", "topic", topic, "error", nackErr)
		}
	default:
		// Transient infrastructure failure — let redelivery retry it.
		slog.Error("work item failed, requeueing", "topic", topic, "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			slog.Error("nack failed", "topic", topic, "error", nackErr)
		}
	}
}

// Close shuts down the channel and connection.
func (b *Broker) Close() {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
