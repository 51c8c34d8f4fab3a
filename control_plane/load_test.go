package main

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/deployplane/control_plane/ratelimit"
)

// TestHeartbeatStorm floods the heartbeat action from many agents at once and
// checks that storm protection sheds load.
func TestHeartbeatStorm(t *testing.T) {
	if testing.Short() {
		t.Skip("load simulation")
	}
	env := newTestEnv(t, ratelimit.NewGuard(100, 200, 1, 5))

	const numBatches = 20
	const batchSize = 100
	for b := 0; b < numBatches; b++ {
		for i := 0; i < batchSize; i++ {
			env.seedAgent(t, fmt.Sprintf("agent-%d-%d", b, i), "tok")
		}
	}

	var successCount, rateLimitedCount, errorCount int64
	client := env.server.Client()
	url := env.server.URL + "/deploymentAgents"

	var wg sync.WaitGroup
	start := time.Now()
	for batch := 0; batch < numBatches; batch++ {
		wg.Add(batchSize)
		for i := 0; i < batchSize; i++ {
			go func(b, id int) {
				defer wg.Done()
				body := fmt.Sprintf(`{"action":"heartbeat","agentId":"agent-%d-%d"}`, b, id)
				resp, err := client.Post(url, "application/json", strings.NewReader(body))
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					return
				}
				defer resp.Body.Close()

				switch resp.StatusCode {
				case http.StatusOK:
					atomic.AddInt64(&successCount, 1)
				case http.StatusTooManyRequests:
					atomic.AddInt64(&rateLimitedCount, 1)
				default:
					atomic.AddInt64(&errorCount, 1)
				}
			}(batch, i)
		}
	}
	wg.Wait()

	t.Logf("%d heartbeats in %v: ok=%d limited=%d errors=%d",
		numBatches*batchSize, time.Since(start), successCount, rateLimitedCount, errorCount)

	if rateLimitedCount == 0 {
		t.Error("expected rate limiting to kick in, got no 429s")
	}
	if successCount == 0 {
		t.Error("expected at least some heartbeats to succeed")
	}
}

func TestHeartbeatPerAgentLimit(t *testing.T) {
	env := newTestEnv(t, ratelimit.NewGuard(1000, 1000, 0.001, 2))
	env.seedAgent(t, "agent-1", "tok")

	body := map[string]string{"action": "heartbeat", "agentId": "agent-1"}
	expectStatus := func(want int) {
		t.Helper()
		resp := env.post(t, "/deploymentAgents", body, nil)
		if resp.StatusCode != want {
			t.Fatalf("status = %d, want %d", resp.StatusCode, want)
		}
	}
	expectStatus(http.StatusOK)
	expectStatus(http.StatusOK)
	expectStatus(http.StatusTooManyRequests)
}
