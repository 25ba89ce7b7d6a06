package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeDelivery struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (d *fakeDelivery) Ack(multiple bool) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(multiple, requeue bool) error {
	d.nacked = true
	d.requeue = requeue
	return nil
}

func TestConsumerHandle(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		wantAck    bool
	}{
		{name: "success acks", wantAck: true},
		{name: "failure dead-letters", handlerErr: errors.New("device not found")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []byte
			c := &Consumer{
				logger: zap.NewNop(),
				handler: func(ctx context.Context, body []byte) error {
					got = body
					return tt.handlerErr
				},
			}
			d := &fakeDelivery{}

			c.handle(context.Background(), d, "telemetry.ingest", []byte(`{"device_id":1}`))

			assert.Equal(t, `{"device_id":1}`, string(got))
			assert.Equal(t, tt.wantAck, d.acked)
			assert.Equal(t, !tt.wantAck, d.nacked)
			assert.False(t, d.requeue, "failed messages must go to the DLQ, not back to the queue")
		})
	}
}
