package completion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequest_TimeoutsDefaultsWhenUnset(t *testing.T) {
	req := &Request{}
	assert.Equal(t, DefaultTimeoutAttempts, req.Timeouts())
}

func TestRequest_TimeoutsUsesPerRequestOverride(t *testing.T) {
	req := &Request{TimeoutAttempts: []int{1, 2}}
	got := req.Timeouts()
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, got)
}

func TestRequest_ProgressWatchdogDefaultsWhenUnset(t *testing.T) {
	req := &Request{}
	assert.Equal(t, DefaultProgressWatchdog, req.ProgressWatchdog())
}

func TestRequest_ProgressWatchdogUsesPerRequestOverride(t *testing.T) {
	req := &Request{ProgressTimeout: 1}
	assert.Equal(t, 1*time.Second, req.ProgressWatchdog())
}
