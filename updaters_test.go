package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratebell/server/expo"
)

type fakeSender struct {
	mu    sync.Mutex
	calls [][]expo.Message
}

func (s *fakeSender) SendMessages(ctx context.Context, messages []expo.Message) []expo.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	tickets := make([]expo.Ticket, len(messages))
	for i := range messages {
		tickets[i] = expo.Ticket{Status: expo.StatusOK, ID: "ticket"}
	}
	return tickets
}

func newTestMonitor(threshold float64, cooldown time.Duration) (*priceMonitor, *fakeSender) {
	sender := &fakeSender{}
	m := newPriceMonitor(sender,
		func() []string { return []string{"ExponentPushToken[alpha]", "ExponentPushToken[beta]"} },
		threshold, time.Minute, cooldown)
	return m, sender
}

func TestPriceMonitorAlertSequence(t *testing.T) {
	m, _ := newTestMonitor(80000, time.Hour)
	t0 := time.Now()

	assert.True(t, m.evaluate(t0, 79000), "first crossing below the threshold alerts")
	assert.False(t, m.evaluate(t0.Add(time.Minute), 78900),
		"a marginal further dip inside the cooldown stays quiet")
	assert.True(t, m.evaluate(t0.Add(2*time.Minute), 74000),
		"a further drop of at least five percent re-alerts despite the cooldown")
}

func TestPriceMonitorAboveThreshold(t *testing.T) {
	m, _ := newTestMonitor(80000, time.Hour)
	assert.False(t, m.evaluate(time.Now(), 80000))
	assert.False(t, m.evaluate(time.Now(), 125000))
}

func TestPriceMonitorCooldownExpiry(t *testing.T) {
	m, _ := newTestMonitor(80000, time.Hour)
	t0 := time.Now()

	require.True(t, m.evaluate(t0, 79000))
	assert.False(t, m.evaluate(t0.Add(30*time.Minute), 78950))
	assert.True(t, m.evaluate(t0.Add(time.Hour), 78950),
		"once the cooldown elapses the still-low price alerts again")
}

func TestPriceMonitorRecoveryResetsNothing(t *testing.T) {
	m, _ := newTestMonitor(80000, time.Hour)
	t0 := time.Now()

	require.True(t, m.evaluate(t0, 79000))
	assert.False(t, m.evaluate(t0.Add(time.Minute), 81000), "recovered price is quiet")
	assert.False(t, m.evaluate(t0.Add(2*time.Minute), 78900),
		"dipping again inside the cooldown is still suppressed")
}

func TestPriceMonitorAlertFanout(t *testing.T) {
	m, sender := newTestMonitor(80000, time.Hour)
	m.alert(context.Background(), 74123)

	require.Len(t, sender.calls, 1)
	messages := sender.calls[0]
	require.Len(t, messages, 2)
	assert.Equal(t, "BTC price alert", messages[0].Title)
	assert.Contains(t, messages[0].Body, "74,123")
	assert.Contains(t, messages[0].Body, "80,000")
	assert.Equal(t, "price-alert", messages[0].Data["type"])
}

func TestPriceMonitorPollUsesFetcher(t *testing.T) {
	m, sender := newTestMonitor(80000, time.Hour)
	m.fetch = func(ctx context.Context) (float64, error) { return 79000, nil }

	m.poll()
	require.Len(t, sender.calls, 1)

	// Fetch failures are logged and swallowed, never fatal.
	m2, sender2 := newTestMonitor(80000, time.Hour)
	m2.fetch = func(ctx context.Context) (float64, error) { return 0, context.DeadlineExceeded }
	m2.poll()
	assert.Empty(t, sender2.calls)
}

func TestRateMessage(t *testing.T) {
	title, body := rateMessage(map[string]float64{
		"EUR": 0.9234,
		"GBP": 0.7891,
		"JPY": 149.5,
		"CHF": 0.8812,
		"AUD": 1.52,
	})
	assert.Equal(t, "Today's USD rates", title)
	assert.Contains(t, body, "EUR 0.92")
	assert.Contains(t, body, "GBP 0.79")
	assert.Contains(t, body, "JPY 149.50")
	assert.NotContains(t, body, "AUD")
}

func TestRateMessageUnexpectedCurrencies(t *testing.T) {
	_, body := rateMessage(map[string]float64{"XAU": 0.0005, "XAG": 0.04})
	assert.Contains(t, body, "XAG")
	assert.Contains(t, body, "XAU")
}
