package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/config"
	"github.com/sells-group/govchat/internal/session"
)

type scriptedChecker struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (c *scriptedChecker) CheckHealth(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.results) == 0 {
		return true
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r
}

func (c *scriptedChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestHealthMonitor_RunStopsOnCancel(t *testing.T) {
	checker := &scriptedChecker{}
	m := NewHealthMonitor(checker, nil, nil, config.HealthConfig{IntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// The first check runs before the first tick.
	assert.Eventually(t, func() bool { return checker.count() >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HealthMonitor.Run did not stop after context cancellation")
	}
}

func TestHealthMonitor_DefaultInterval(t *testing.T) {
	m := NewHealthMonitor(&scriptedChecker{}, nil, nil, config.HealthConfig{})
	assert.NotNil(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Run(ctx)
}

func TestHealthMonitor_AlertsAfterConsecutiveFailures(t *testing.T) {
	var types []AlertType
	var mu sync.Mutex
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		mu.Lock()
		types = append(types, alert.Type)
		mu.Unlock()
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.HealthConfig{WebhookURL: ts.URL, DownAfter: 2}
	checker := &scriptedChecker{results: []bool{false, false, false, true}}
	m := NewHealthMonitor(checker, NewCollector(staticState{session.State{}}), NewAlerter(cfg), cfg)

	log := zap.NewNop()
	assert.False(t, m.Check(context.Background(), log))
	assert.Equal(t, int32(0), received.Load())
	assert.False(t, m.Check(context.Background(), log))
	assert.False(t, m.Check(context.Background(), log))
	assert.True(t, m.Check(context.Background(), log))

	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, []AlertType{AlertBackendDown, AlertBackendRecovered}, types)
}
