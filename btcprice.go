package main

import (
	"context"
	"fmt"
	"strconv"
)

const defaultTickerURL = "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT"

// fetchBTCPrice returns the current BTC spot price in USD from the ticker
// feed, bounded by the shared feed timeout and retry budget.
func fetchBTCPrice(ctx context.Context) (float64, error) {
	var reply struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	url := envStr("BTC_TICKER_URL", defaultTickerURL)
	if err := getJSON(ctx, url, &reply); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(reply.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("ticker price %q: %w", reply.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("ticker returned non-positive price %v", price)
	}
	return price, nil
}
