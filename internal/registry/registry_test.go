package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchTransformsServicePayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{
					"tool_id":      "data-explorer",
					"display_name": "Data Explorer",
					"version":      "2.4.0",
					"package_url":  "https://cdn.example.com/data-explorer.zip",
					"sha256":       "abc123",
					"size_bytes":   1024,
					"downloads":    9000,
					"rating":       4.5,
					"min_api":      "1.0.0",
				},
				{
					// Broken id, dropped during normalization.
					"tool_id":     "../escape",
					"package_url": "https://cdn.example.com/x.zip",
				},
			},
		})
	}))
	defer server.Close()

	entries, err := NewClient(server.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want the malformed row dropped", entries)
	}
	e := entries[0]
	if e.ID != "data-explorer" || e.Name != "Data Explorer" || e.Version != "2.4.0" {
		t.Fatalf("entry = %+v", e)
	}
	if e.DownloadURL != "https://cdn.example.com/data-explorer.zip" || e.Checksum != "abc123" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Downloads != 9000 || e.Rating != 4.5 || e.MinAPI != "1.0.0" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestFetchFallsBackToBundledCatalog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	entries, err := NewClient(server.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch with dead service: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("bundled catalog is empty")
	}
	found := false
	for _, e := range entries {
		if e.ID == "data-explorer" {
			found = true
			if e.DownloadURL == "" || e.Checksum == "" {
				t.Fatalf("bundled entry incomplete: %+v", e)
			}
		}
	}
	if !found {
		t.Fatal("bundled catalog is missing data-explorer")
	}
}

func TestCachedAvoidsSecondFetch(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{
			{"tool_id": "t1", "display_name": "T1", "version": "1.0.0", "package_url": "https://cdn.example.com/t1.zip"},
		}})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	if _, err := client.Cached(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Cached(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("service hit %d times, want 1", got)
	}

	entry, err := client.Find(context.Background(), "t1")
	if err != nil || entry.Name != "T1" {
		t.Fatalf("Find = %+v, %v", entry, err)
	}
	if _, err := client.Find(context.Background(), "ghost"); err == nil {
		t.Fatal("Find(ghost) should fail")
	}
}
