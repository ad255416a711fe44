package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	for _, p := range Priorities() {
		parsed, err := ParsePriority(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)

	_, err = ParsePriority("")
	assert.Error(t, err)
}

func TestPriorityWeightOrdering(t *testing.T) {
	order := Priorities()
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Weight(), order[i].Weight(),
			"%s should be more urgent than %s", order[i-1], order[i])
	}

	// Unknown priorities rank after every valid one.
	assert.Greater(t, Priority("bogus").Weight(), PriorityInfo.Weight())
}

func TestAlertExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	alert := &Alert{AlertID: "a1", Priority: PriorityLow}
	assert.False(t, alert.Expired(now), "alert without ExpiresAt never expires")

	at := now.Add(time.Minute)
	alert.ExpiresAt = &at
	assert.False(t, alert.Expired(now))
	assert.True(t, alert.Expired(now.Add(time.Minute)), "expiry boundary is inclusive")
	assert.True(t, alert.Expired(now.Add(2*time.Minute)))
}

func TestValidateSpec(t *testing.T) {
	valid := AlertSpec{
		Priority: "high",
		Kind:     "telemetry",
		Title:    "Downlink rate degraded",
		Source:   "antenna-2",
	}
	assert.NoError(t, ValidateSpec(&valid))

	tests := []struct {
		name   string
		mutate func(*AlertSpec)
	}{
		{"unknown priority", func(s *AlertSpec) { s.Priority = "urgent" }},
		{"missing priority", func(s *AlertSpec) { s.Priority = "" }},
		{"unknown kind", func(s *AlertSpec) { s.Kind = "signal" }},
		{"missing title", func(s *AlertSpec) { s.Title = "" }},
		{"negative ttl", func(s *AlertSpec) { s.TTL = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			assert.Error(t, ValidateSpec(&spec))
		})
	}
}

func TestNewAlert(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	alert, err := NewAlert(&AlertSpec{
		Priority: "critical",
		Kind:     "system",
		Title:    "Disk pressure",
		Message:  "volume /data above 90%",
		Source:   "node-4",
		TTL:      time.Hour,
		Persist:  true,
	}, clock)
	require.NoError(t, err)

	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, PriorityCritical, alert.Priority)
	assert.Equal(t, PayloadKindSystem, alert.Payload.Kind)
	assert.Equal(t, clock.Now(), alert.Timestamp)
	assert.True(t, alert.Persisted)
	require.NotNil(t, alert.ExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *alert.ExpiresAt)
}

func TestNewAlertNoTTL(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	alert, err := NewAlert(&AlertSpec{
		Priority: "info",
		Kind:     "health",
		Title:    "Heartbeat received",
	}, clock)
	require.NoError(t, err)
	assert.Nil(t, alert.ExpiresAt)
	assert.False(t, alert.Persisted)
}
