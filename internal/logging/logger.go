package logging

import (
	"github.com/septivank/energy-usage-service/internal/telemetry"
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithDevice returns a logger with the device reference as given by the caller
func WithDevice(logger *zap.Logger, ref telemetry.DeviceRef) *zap.Logger {
	if ref.ID > 0 {
		return logger.With(zap.Int64("device_id", ref.ID))
	}
	return logger.With(zap.String("device_name", ref.Name))
}
