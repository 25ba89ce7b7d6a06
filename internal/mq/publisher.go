package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/energy-usage-service/internal/db"
	"github.com/septivank/energy-usage-service/internal/fault"
	"go.uber.org/zap"
)

// ReadingRecordedEvent is published for every committed reading
type ReadingRecordedEvent struct {
	DeviceID         int64   `json:"device_id"`
	DeviceName       string  `json:"device_name"`
	ReadingID        int64   `json:"reading_id"`
	Voltage          float64 `json:"voltage"`
	Current          float64 `json:"current"`
	Power            float64 `json:"power"`
	CumulativeEnergy float64 `json:"cumulative_energy"`
	RecordedAt       string  `json:"recorded_at"`
}

// DeviceFaultyEvent is published when a device latches faulty
type DeviceFaultyEvent struct {
	DeviceID          int64  `json:"device_id"`
	DeviceName        string `json:"device_name"`
	EmptyPayloadCount int    `json:"empty_payload_count"`
	LastSeen          string `json:"last_seen,omitempty"`
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Exchange          string
	ReadingRoutingKey string
	FaultRoutingKey   string
}

// Publisher publishes domain events to the events exchange
type Publisher struct {
	channel *amqp.Channel
	cfg     PublisherConfig
	logger  *zap.Logger
}

// NewPublisher opens a channel and declares the events exchange
func NewPublisher(conn *Connection, cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel: ch,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// ReadingRecorded publishes a reading.recorded event
func (p *Publisher) ReadingRecorded(ctx context.Context, device db.Device, reading db.Reading) error {
	return p.publish(ctx, p.cfg.ReadingRoutingKey, ReadingRecordedEvent{
		DeviceID:         device.ID,
		DeviceName:       device.Name,
		ReadingID:        reading.ID,
		Voltage:          reading.Voltage,
		Current:          reading.Current,
		Power:            reading.Power,
		CumulativeEnergy: reading.CumulativeEnergy,
		RecordedAt:       reading.RecordedAt.UTC().Format(time.RFC3339),
	})
}

// DeviceFaulted publishes a device.faulty event
func (p *Publisher) DeviceFaulted(ctx context.Context, device db.Device, state fault.State) error {
	event := DeviceFaultyEvent{
		DeviceID:          device.ID,
		DeviceName:        device.Name,
		EmptyPayloadCount: state.EmptyPayloadCount,
	}
	if device.LastSeen != nil {
		event.LastSeen = device.LastSeen.UTC().Format(time.RFC3339)
	}
	return p.publish(ctx, p.cfg.FaultRoutingKey, event)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}

	p.logger.Debug("published event", zap.String("routing_key", routingKey))
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
