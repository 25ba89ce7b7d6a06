package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/logging"
	"github.com/septivank/energy-usage-service/internal/telemetry"
	"github.com/septivank/energy-usage-service/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage represents the incoming telemetry message from RabbitMQ
type IngestMessage struct {
	RequestID  string          `json:"request_id"`
	DeviceID   int64           `json:"device_id,omitempty"`
	DeviceName string          `json:"device_name,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// ProcessorService turns queued telemetry messages into recorded readings
type ProcessorService struct {
	accumulator *Accumulator
	validator   *validator.Validator
	logger      *zap.Logger
	now         func() time.Time
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	accumulator *Accumulator,
	validator *validator.Validator,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		accumulator: accumulator,
		validator:   validator,
		logger:      logger,
		now:         time.Now,
	}
}

// ProcessMessage processes one incoming telemetry message. Any returned error
// makes the consumer dead-letter the message.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: failed to unmarshal message: %w", apperr.ErrInvalidInput, err)
	}

	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}

	ref := telemetry.DeviceRef{ID: msg.DeviceID, Name: msg.DeviceName}
	reqLogger := logging.WithDevice(logging.WithRequestID(s.logger, msg.RequestID), ref)
	reqLogger.Info("processing message", zap.Int("payload_size", len(msg.Payload)))

	parsed := s.validator.ParsePayload(msg.Payload, msg.ReceivedAt)
	if parsed.Malformed() {
		reqLogger.Warn("payload fields dropped", zap.Strings("issues", parsed.Issues))
	}

	result, err := s.accumulator.RecordReading(ctx, ref, parsed.Measurement)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}

	reqLogger.Info("message processed successfully",
		zap.Int64("reading_id", result.Reading.ID),
		zap.String("mode", string(result.Mode)),
		zap.Bool("empty", result.Empty),
	)

	return nil
}
