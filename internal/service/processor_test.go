package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/repository"
	"github.com/septivank/energy-usage-service/internal/validator"
)

func newTestProcessor(t *testing.T) (*ProcessorService, *repository.MemoryStore) {
	t.Helper()
	acc, store, _ := newTestAccumulator(t)
	p := NewProcessorService(acc, validator.NewValidator(60), zap.NewNop())
	p.now = func() time.Time { return t0 }
	return p, store
}

func TestProcessMessage_RecordsReading(t *testing.T) {
	p, store := newTestProcessor(t)
	device := store.AddDevice("plug-1", 1)

	body := []byte(`{
		"request_id": "req-1",
		"device_name": "plug-1",
		"received_at": "2024-05-10T08:00:00Z",
		"payload": {"voltage": "230", "current": 0.5, "power": 115, "recorded_at": "10/05/2024 07:59:30"}
	}`)

	require.NoError(t, p.ProcessMessage(context.Background(), body))

	readings := store.Readings(device.ID)
	require.Len(t, readings, 1)
	assert.Equal(t, 115.0, readings[0].Power)
	assert.Equal(t, 230.0, readings[0].Voltage)
	assert.True(t, readings[0].RecordedAt.Equal(time.Date(2024, 5, 10, 7, 59, 30, 0, time.UTC)))
}

func TestProcessMessage_MalformedPayloadCountsAsEmpty(t *testing.T) {
	p, store := newTestProcessor(t)
	device := store.AddDevice("plug-1", 1)

	body := []byte(fmt.Sprintf(`{"device_id": %d, "payload": {"voltage": "n/a", "power": -3}}`, device.ID))
	require.NoError(t, p.ProcessMessage(context.Background(), body))

	stored, _ := store.Device(device.ID)
	assert.Equal(t, 1, stored.EmptyPayloadCount)
	require.NotNil(t, stored.LastSeen)
	assert.True(t, stored.LastSeen.Equal(t0))
}

func TestProcessMessage_Errors(t *testing.T) {
	p, store := newTestProcessor(t)
	store.AddDevice("plug-1", 1)
	ctx := context.Background()

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `not json`, apperr.ErrInvalidInput},
		{"no device reference", `{"payload": {"power": 1}}`, apperr.ErrInvalidInput},
		{"both references", `{"device_id": 1, "device_name": "plug-1", "payload": {"power": 1}}`, apperr.ErrInvalidInput},
		{"unknown device", `{"device_name": "ghost", "payload": {"power": 1}}`, apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ProcessMessage(ctx, []byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
