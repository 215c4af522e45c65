package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jogardn/restaurant-orders/internal/events"
)

type fakeRequeue struct {
	mu    sync.Mutex
	calls []events.MessageMetadata
	err   error
}

func (r *fakeRequeue) Redeliver(f events.NotificationFailure, m events.MessageMetadata, replayErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, m)
	return r.err
}

func TestReplayer(t *testing.T) {
	failure := events.NotificationFailure{OrderID: "ORD-1", To: "ana@example.com", Subject: "Order update", Text: "body"}

	tests := []struct {
		name        string
		failures    int
		retryCount  int
		requeueErr  error
		wantSent    int
		wantRequeue int
		wantErr     bool
	}{
		{"resend succeeds", 0, 1, nil, 1, 0, false},
		{"resend fails and is requeued", -1, 1, nil, 0, 1, false},
		{"requeue fails", -1, 1, errors.New("broker down"), 0, 1, true},
		{"over the replay limit", 0, DefaultMaxReplays, nil, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mailer := &fakeMailer{failures: tt.failures}
			requeue := &fakeRequeue{err: tt.requeueErr}
			r := NewReplayer(mailer, requeue, 0, testLogger())

			err := r.HandleFailedNotification(context.Background(), failure, events.MessageMetadata{RetryCount: tt.retryCount})
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
			if got := len(mailer.Sent()); got != tt.wantSent {
				t.Errorf("expected %d sent, got %d", tt.wantSent, got)
			}
			if got := len(requeue.calls); got != tt.wantRequeue {
				t.Errorf("expected %d requeues, got %d", tt.wantRequeue, got)
			}
		})
	}
}
