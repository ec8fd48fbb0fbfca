package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/ratebell/server/dispatch"
	"github.com/ratebell/server/expo"
	"github.com/ratebell/server/scheduler"
)

func main() {
	godotenv.Load()

	loc, err := time.LoadLocation(envStr("TIMEZONE", "UTC"))
	if err != nil {
		log.Fatalf("time.LoadLocation(%s): %v", envStr("TIMEZONE", "UTC"), err)
	}

	if err := redisConnect(); err != nil {
		log.Println("redisConnect error:", err)
	}

	store, err := newDeviceStore(envStr("DEVICES_FILE", "devices.json"))
	if err != nil {
		log.Fatalf("newDeviceStore: %v", err)
	}

	gateway := expo.NewClientFromEnv()
	dispatcher := dispatch.New(gateway)
	log.Printf("push gateway state: %v", dispatcher.State())

	registry := scheduler.NewRegistry(dispatcher, expo.IsPushToken, scheduler.Config{
		MaxJobs:          envInt("MAX_JOBS", 100),
		Location:         loc,
		DefaultSound:     "default",
		DefaultPriority:  "high",
		DefaultTTL:       envInt("MESSAGE_TTL_SECONDS", 3600),
		DefaultChannelID: envStr("ANDROID_CHANNEL_ID", "default"),
	})
	defer registry.Stop()

	window := time.Duration(envInt("DEVICE_ACTIVE_WINDOW_DAYS", 30)) * 24 * time.Hour

	updater := &rateUpdater{
		registry: registry,
		store:    store,
		hour:     envInt("RATES_HOUR", 9),
		minute:   envInt("RATES_MINUTE", 0),
		window:   window,
	}
	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := updater.Start(startCtx); err != nil {
		// Degraded start: the job can be armed later via the restart route.
		log.Printf("rateUpdater.Start(): %v", err)
	}
	cancel()

	monitor := newPriceMonitor(dispatcher,
		func() []string { return store.activeTokens(window) },
		envFloat("PRICE_ALERT_THRESHOLD", 80000),
		envDuration("PRICE_POLL_INTERVAL", time.Minute*5),
		envDuration("ALERT_COOLDOWN", time.Hour))
	monitor.Start()
	defer monitor.Stop()

	api := &apiServer{
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		updater:    updater,
		window:     window,
	}
	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler(api.routes())

	addr := envStr("LISTEN_ADDRESS", ":8080")
	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("http.ListenAndServe(%s): %v", addr, err)
	}
}
