package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/clarketm/json"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func fetchJSON(path string, v any) error {
	resp, err := httpClient.Get(adminAddr + path)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
