package main

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"golang.org/x/sync/singleflight"
)

const (
	ratesKey        = "RATES:FIAT"
	defaultRatesURL = "https://open.er-api.com/v6/latest/USD"
)

var ratesGroup singleflight.Group

// fetchRates pulls the current USD exchange rates from the external feed.
func fetchRates(ctx context.Context) (map[string]float64, error) {
	var reply struct {
		Result string             `json:"result"`
		Rates  map[string]float64 `json:"rates"`
	}
	url := envStr("RATES_URL", defaultRatesURL)
	if err := getJSON(ctx, url, &reply); err != nil {
		return nil, err
	}
	if reply.Result != "" && reply.Result != "success" {
		return nil, fmt.Errorf("rate feed result %q", reply.Result)
	}
	if len(reply.Rates) == 0 {
		return nil, fmt.Errorf("rate feed returned no rates")
	}
	return reply.Rates, nil
}

// refreshRates fetches the feed and rewrites the cache. Concurrent callers
// share one in-flight fetch.
func refreshRates(ctx context.Context) (map[string]float64, error) {
	v, err, _ := ratesGroup.Do(ratesKey, func() (interface{}, error) {
		rates, err := fetchRates(ctx)
		if err != nil {
			return nil, err
		}
		fields := make(map[string]string, len(rates))
		for c, r := range rates {
			fields[c] = strconv.FormatFloat(r, 'f', -1, 64)
		}
		if err := setKeyFields(ratesKey, fields); err != nil {
			log.Printf("setKeyFields(%q): %v", ratesKey, err)
		}
		return rates, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

// cachedRates reads the last cached rate set.
func cachedRates() (map[string]float64, error) {
	ratesMap, err := getKeyFields(ratesKey)
	if err != nil {
		log.Printf("getKeyFields(%q): %v", ratesKey, err)
		return nil, err
	}
	rates := make(map[string]float64, len(ratesMap))
	for c, v := range ratesMap {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rates[c] = f
		}
	}
	return rates, nil
}
