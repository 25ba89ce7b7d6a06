package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/energy-usage-service/internal/fault"
	"github.com/septivank/energy-usage-service/internal/repository"
	"github.com/septivank/energy-usage-service/internal/service"
	"github.com/septivank/energy-usage-service/internal/telemetry"
	"github.com/septivank/energy-usage-service/internal/validator"
)

func TestDeviceNameFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"plug/kitchen/data", "kitchen", true},
		{"/plug/desk-lamp/data/", "desk-lamp", true},
		{"plug/kitchen/status", "", false},
		{"data", "", false},
		{"plug//data", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := DeviceNameFromTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type stubRecorder struct {
	refs []telemetry.DeviceRef
	err  error
}

func (r *stubRecorder) RecordReading(ctx context.Context, ref telemetry.DeviceRef, m telemetry.Measurement) (*service.Result, error) {
	r.refs = append(r.refs, ref)
	return &service.Result{}, r.err
}

func TestHandleMessage_RecordsThroughAccumulator(t *testing.T) {
	store := repository.NewMemoryStore()
	device := store.AddDevice("kitchen", 1)
	acc := service.NewAccumulator(store, fault.NewDetector(0), nil, zap.NewNop())
	h := NewHandler(acc, validator.NewValidator(60), zap.NewNop())
	received := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return received }

	h.HandleMessage("plug/kitchen/data", []byte(`{"voltage": 230, "current": "0.2", "power": 46}`))
	h.HandleMessage("plug/kitchen/data", []byte(`not json at all`))

	readings := store.Readings(device.ID)
	require.Len(t, readings, 2)
	assert.Equal(t, 46.0, readings[0].Power)
	assert.True(t, readings[0].RecordedAt.Equal(received))

	stored, _ := store.Device(device.ID)
	assert.Equal(t, 1, stored.EmptyPayloadCount)
}

func TestHandleMessage_IgnoresBadTopicsAndSurvivesErrors(t *testing.T) {
	rec := &stubRecorder{err: errors.New("device not found")}
	h := NewHandler(rec, validator.NewValidator(60), zap.NewNop())

	h.HandleMessage("plug/kitchen/status", []byte(`{"power": 1}`))
	assert.Empty(t, rec.refs)

	h.HandleMessage("plug/unknown/data", []byte(`{"power": 1}`))
	require.Len(t, rec.refs, 1)
	assert.Equal(t, telemetry.DeviceRef{Name: "unknown"}, rec.refs[0])
}
