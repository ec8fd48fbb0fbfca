package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ratebell/server/expo"
	"github.com/ratebell/server/scheduler"
)

const (
	rateJobName = "daily-rates"

	// A second alert inside the cooldown requires the price to have dropped
	// at least this much relative to the last alerted price.
	alertRedropMargin = 0.05
)

var pricePrinter = message.NewPrinter(language.English)

type messageSender interface {
	SendMessages(ctx context.Context, messages []expo.Message) []expo.Ticket
}

// rateUpdater composes the daily exchange-rate job. Start verifies the feed
// is reachable before arming anything, so the job's first fire cannot be a
// guaranteed failure.
//
// The message body is computed once at schedule time and repeats unchanged on
// every fire until the job is recreated; Restart is the supported refresh
// path and is invoked whenever the device set changes.
type rateUpdater struct {
	registry *scheduler.Registry
	store    *deviceStore
	hour     int
	minute   int
	window   time.Duration

	mu sync.Mutex
}

func (u *rateUpdater) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	rates, err := refreshRates(ctx)
	if err != nil {
		return fmt.Errorf("rateUpdater.Start: rate feed unreachable: %w", err)
	}
	tokens := u.store.activeTokens(u.window)
	if len(tokens) == 0 {
		return errors.New("rateUpdater.Start: no active devices")
	}

	title, body := rateMessage(rates)
	err = u.registry.ScheduleDaily(rateJobName, u.hour, u.minute, tokens, title, body,
		map[string]string{"type": "rates"})
	if err != nil {
		return err
	}
	log.Printf("rateUpdater: %q armed for %02d:%02d, %d recipients", rateJobName, u.hour, u.minute, len(tokens))
	return nil
}

func (u *rateUpdater) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.registry.Cancel(rateJobName)
}

func (u *rateUpdater) Restart(ctx context.Context) error {
	u.Stop()
	return u.Start(ctx)
}

// rateMessage renders a stable, compact body from the fetched rates.
func rateMessage(rates map[string]float64) (title, body string) {
	shown := []string{"EUR", "GBP", "JPY", "CHF"}
	var parts []string
	for _, c := range shown {
		if r, ok := rates[c]; ok {
			parts = append(parts, pricePrinter.Sprintf("%s %.2f", c, r))
		}
	}
	if len(parts) == 0 {
		// Feed with an unexpected currency set; show whatever it has.
		var all []string
		for c := range rates {
			all = append(all, c)
		}
		sort.Strings(all)
		for _, c := range all[:min(4, len(all))] {
			parts = append(parts, pricePrinter.Sprintf("%s %.2f", c, rates[c]))
		}
	}
	return "Today's USD rates", strings.Join(parts, " · ")
}

// priceMonitor polls the BTC ticker on a fixed interval and pushes an
// out-of-band alert when the price is newly below the threshold. Repeats
// inside the cooldown are suppressed unless the price has worsened by
// alertRedropMargin since the last alert.
type priceMonitor struct {
	sender    messageSender
	tokens    func() []string
	fetch     func(ctx context.Context) (float64, error)
	threshold float64
	cooldown  time.Duration
	interval  time.Duration

	mu             sync.Mutex
	lastAlertPrice float64
	lastAlertAt    time.Time

	quit chan struct{}
	done chan struct{}
}

func newPriceMonitor(sender messageSender, tokens func() []string, threshold float64, interval, cooldown time.Duration) *priceMonitor {
	return &priceMonitor{
		sender:    sender,
		tokens:    tokens,
		fetch:     fetchBTCPrice,
		threshold: threshold,
		cooldown:  cooldown,
		interval:  interval,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *priceMonitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		log.Printf("priceMonitor: started, threshold %v, interval %v", m.threshold, m.interval)
		for {
			select {
			case <-m.quit:
				return
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

func (m *priceMonitor) Stop() {
	close(m.quit)
	<-m.done
}

func (m *priceMonitor) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), feedTimeout*feedRetryAttempts+feedRetryDelay*feedRetryAttempts)
	defer cancel()

	price, err := m.fetch(ctx)
	if err != nil {
		log.Printf("priceMonitor: fetch: %v", err)
		return
	}
	if m.evaluate(time.Now(), price) {
		m.alert(ctx, price)
	}
}

// evaluate decides whether price warrants an alert now, updating the
// last-alert memory when it does.
func (m *priceMonitor) evaluate(now time.Time, price float64) bool {
	if price >= m.threshold {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	firstAlert := m.lastAlertAt.IsZero()
	cooled := !firstAlert && now.Sub(m.lastAlertAt) >= m.cooldown
	worsened := !firstAlert && price <= m.lastAlertPrice*(1-alertRedropMargin)
	if !firstAlert && !cooled && !worsened {
		return false
	}
	m.lastAlertPrice = price
	m.lastAlertAt = now
	return true
}

func (m *priceMonitor) alert(ctx context.Context, price float64) {
	tokens := m.tokens()
	if len(tokens) == 0 {
		log.Printf("priceMonitor: price %v below %v but no active devices", price, m.threshold)
		return
	}
	body := pricePrinter.Sprintf("BTC is trading at %.0f USD, below your %.0f alert level.", price, m.threshold)
	messages := make([]expo.Message, 0, len(tokens))
	for _, token := range tokens {
		messages = append(messages, expo.Message{
			To:       token,
			Title:    "BTC price alert",
			Body:     body,
			Data:     map[string]string{"type": "price-alert"},
			Sound:    "default",
			Priority: "high",
		})
	}
	tickets := m.sender.SendMessages(ctx, messages)
	log.Printf("priceMonitor: alert at %v, %d messages, %d tickets", price, len(messages), len(tickets))
}
