package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ratebell/server/dispatch"
	"github.com/ratebell/server/expo"
	"github.com/ratebell/server/scheduler"
)

// apiServer exposes the job registry, device registry and feed caches over
// JSON/HTTP. Malformed requests are rejected here, before any registry state
// can change.
type apiServer struct {
	registry   *scheduler.Registry
	store      *deviceStore
	dispatcher *dispatch.Dispatcher
	updater    *rateUpdater
	window     time.Duration
}

func (a *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs/daily", a.scheduleDaily)
	mux.HandleFunc("POST /api/jobs/cron", a.scheduleCron)
	mux.HandleFunc("DELETE /api/jobs/{name}", a.cancelJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{name}/next", a.nextInvocation)
	mux.HandleFunc("POST /api/receipts", a.fetchReceipts)
	mux.HandleFunc("POST /api/devices", a.registerDevice)
	mux.HandleFunc("GET /api/devices", a.listDevices)
	mux.HandleFunc("POST /api/updater/restart", a.restartUpdater)
	mux.HandleFunc("GET /api/rates", a.getRates)
	mux.HandleFunc("GET /api/price", a.getPrice)
	return mux
}

type scheduleRequest struct {
	Name       string            `json:"name"`
	Hour       int               `json:"hour"`
	Minute     int               `json:"minute"`
	Expression string            `json:"expression"`
	Tokens     []string          `json:"tokens"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data"`
}

func (a *apiServer) scheduleDaily(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSchedule(w, r)
	if !ok {
		return
	}
	err := a.registry.ScheduleDaily(req.Name, req.Hour, req.Minute, req.Tokens, req.Title, req.Body, req.Data)
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	next, _ := a.registry.NextInvocation(req.Name)
	writeJSON(w, http.StatusCreated, scheduler.JobStatus{Name: req.Name, NextInvocation: next})
}

func (a *apiServer) scheduleCron(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSchedule(w, r)
	if !ok {
		return
	}
	if req.Expression == "" {
		httpError(w, http.StatusBadRequest, "expression is required")
		return
	}
	err := a.registry.ScheduleCron(req.Name, req.Expression, req.Tokens, req.Title, req.Body, req.Data)
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	next, _ := a.registry.NextInvocation(req.Name)
	writeJSON(w, http.StatusCreated, scheduler.JobStatus{Name: req.Name, NextInvocation: next})
}

func decodeSchedule(w http.ResponseWriter, r *http.Request) (scheduleRequest, bool) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Name == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return req, false
	}
	if len(req.Tokens) == 0 {
		httpError(w, http.StatusBadRequest, "tokens must not be empty")
		return req, false
	}
	return req, true
}

func writeScheduleError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrDuplicateName) {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	httpError(w, http.StatusBadRequest, err.Error())
}

func (a *apiServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	removed := a.registry.Cancel(name)
	status := http.StatusOK
	if !removed {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]bool{"removed": removed})
}

func (a *apiServer) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.ListActive())
}

func (a *apiServer) nextInvocation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	next, ok := a.registry.NextInvocation(name)
	if !ok {
		httpError(w, http.StatusNotFound, "no such job")
		return
	}
	writeJSON(w, http.StatusOK, scheduler.JobStatus{Name: name, NextInvocation: next})
}

func (a *apiServer) fetchReceipts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tickets []expo.Ticket `json:"tickets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Tickets) == 0 {
		httpError(w, http.StatusBadRequest, "tickets must not be empty")
		return
	}
	receipts := a.dispatcher.FetchReceipts(r.Context(), req.Tickets)
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

func (a *apiServer) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string            `json:"token"`
		Platform string            `json:"platform"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !expo.IsPushToken(req.Token) {
		httpError(w, http.StatusBadRequest, "token is not a valid push token")
		return
	}
	d, err := a.store.register(req.Token, req.Platform, req.Metadata)
	if err != nil {
		log.Printf("registerDevice(%s): %v", req.Token, err)
		httpError(w, http.StatusInternalServerError, "failed to persist device")
		return
	}

	// A new recipient only reaches the daily job through a rebuilt token
	// list.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.updater.Restart(ctx); err != nil {
			log.Printf("rateUpdater.Restart(): %v", err)
		}
	}()

	writeJSON(w, http.StatusCreated, d)
}

func (a *apiServer) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":      a.store.allDevices(),
		"activeTokens": a.store.activeTokens(a.window),
	})
}

func (a *apiServer) restartUpdater(w http.ResponseWriter, r *http.Request) {
	if err := a.updater.Restart(r.Context()); err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	next, _ := a.registry.NextInvocation(rateJobName)
	writeJSON(w, http.StatusOK, scheduler.JobStatus{Name: rateJobName, NextInvocation: next})
}

func (a *apiServer) getRates(w http.ResponseWriter, r *http.Request) {
	rates, err := cachedRates()
	if err != nil || len(rates) == 0 {
		if rates, err = refreshRates(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"base": "USD", "rates": rates})
}

func (a *apiServer) getPrice(w http.ResponseWriter, r *http.Request) {
	price, err := fetchBTCPrice(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"btcUsd": price})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
