package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	feedTimeout       = time.Second * 10
	feedRetryAttempts = 3
	feedRetryDelay    = time.Second * 2
)

var feedClient = &http.Client{Timeout: feedTimeout}

// getJSON fetches url and decodes the JSON body into out, retrying transport
// and 5xx failures a fixed number of times. Every feed call in this process
// goes through here so nothing can block past the timeout budget.
func getJSON(ctx context.Context, url string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < feedRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(feedRetryDelay):
			}
		}
		if lastErr = getJSONOnce(ctx, url, out); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func getJSONOnce(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := feedClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return nil
}
