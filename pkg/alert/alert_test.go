package alert_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-pm/tessera/core/pkg/alert"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *recordingSink) Send(_ context.Context, alertType string, _ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, alertType)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestNotify_SwallowsDeliveryFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("channel down")}

	// Must not panic or propagate.
	alert.Notify(context.Background(), sink, alert.TypeEventStoreIntegrity, map[string]interface{}{
		"hashChainErrors": 2,
	})
	require.Equal(t, 1, sink.count())

	alert.Notify(context.Background(), nil, alert.TypeEventStoreIntegrity, nil)
}

func TestRateLimitedSink_DropsBeyondBurst(t *testing.T) {
	sink := &recordingSink{}
	limited := alert.NewRateLimitedSink(sink, 1, 3)

	for i := 0; i < 10; i++ {
		require.NoError(t, limited.Send(context.Background(), alert.TypeSuspiciousActivity, nil))
	}

	// Burst of 3 passes, the rest drop.
	assert.Equal(t, 3, sink.count())
}

func TestLogSink_NeverFails(t *testing.T) {
	s := alert.NewLogSink(nil)
	assert.NoError(t, s.Send(context.Background(), alert.TypeDailyReport, map[string]interface{}{
		"overallStatus": "ALERT",
	}))
}
