// Package registry fetches the public tool catalog. A bundled snapshot
// ships with the shell so the marketplace stays browsable when the
// catalog service is unreachable.
package registry

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/validate"
)

const (
	// DefaultBaseURL is the production catalog service endpoint.
	DefaultBaseURL = "https://registry.pptb.app/api/v1/tools"

	maxCatalogSize = 10 * 1024 * 1024 // 10 MB
)

//go:embed catalog.yaml
var bundledCatalog []byte

// Entry is one catalog listing in the internal tool-record shape.
type Entry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`

	DownloadURL string `json:"downloadUrl"`
	Checksum    string `json:"checksum,omitempty"`
	Size        int64  `json:"size,omitempty"`

	Downloads int64   `json:"downloads,omitempty"`
	Rating    float64 `json:"rating,omitempty"`
	MAU       int64   `json:"mau,omitempty"`

	MinAPI string `json:"minAPI,omitempty"`
	MaxAPI string `json:"maxAPI,omitempty"`
	Status string `json:"status,omitempty"`

	PublishedAt string `json:"publishedAt,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// rawEntry is the catalog service's wire shape, which predates the
// internal record naming.
type rawEntry struct {
	ToolID      string  `json:"tool_id" yaml:"id"`
	DisplayName string  `json:"display_name" yaml:"name"`
	Version     string  `json:"version" yaml:"version"`
	Summary     string  `json:"summary" yaml:"description"`
	IconURL     string  `json:"icon_url" yaml:"icon"`
	PackageURL  string  `json:"package_url" yaml:"downloadUrl"`
	SHA256      string  `json:"sha256" yaml:"checksum"`
	SizeBytes   int64   `json:"size_bytes" yaml:"size"`
	Downloads   int64   `json:"downloads" yaml:"downloads"`
	Rating      float64 `json:"rating" yaml:"rating"`
	MAU         int64   `json:"mau" yaml:"mau"`
	MinAPI      string  `json:"min_api" yaml:"minAPI"`
	MaxAPI      string  `json:"max_api" yaml:"maxAPI"`
	Status      string  `json:"status" yaml:"status"`
	PublishedAt string  `json:"published_at" yaml:"publishedAt"`
	CreatedAt   string  `json:"created_at" yaml:"createdAt"`
}

func (r rawEntry) toEntry() Entry {
	return Entry{
		ID:          r.ToolID,
		Name:        r.DisplayName,
		Version:     r.Version,
		Description: r.Summary,
		Icon:        r.IconURL,
		DownloadURL: r.PackageURL,
		Checksum:    r.SHA256,
		Size:        r.SizeBytes,
		Downloads:   r.Downloads,
		Rating:      r.Rating,
		MAU:         r.MAU,
		MinAPI:      r.MinAPI,
		MaxAPI:      r.MaxAPI,
		Status:      r.Status,
		PublishedAt: r.PublishedAt,
		CreatedAt:   r.CreatedAt,
	}
}

// Client fetches and caches the catalog for the session.
type Client struct {
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	cached []Entry
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to disallowed scheme: %s", req.URL.Scheme)
				}
				return nil
			},
		},
	}
}

// Fetch returns the catalog from the service, falling back to the
// bundled snapshot on any failure. The last successful result is cached
// in memory for the session.
func (c *Client) Fetch(ctx context.Context) ([]Entry, error) {
	entries, err := c.fetchRemote(ctx)
	if err != nil {
		log.Printf("[Registry] Catalog service unavailable (%v), using bundled catalog", err)
		entries, err = parseBundledCatalog()
		if err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	c.cached = entries
	c.mu.Unlock()
	return entries, nil
}

// Cached returns the last fetched catalog, fetching on first use.
func (c *Client) Cached(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return c.Fetch(ctx)
}

// Find looks up one catalog entry by tool id.
func (c *Client) Find(ctx context.Context, toolID string) (*Entry, error) {
	entries, err := c.Cached(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == toolID {
			return &entries[i], nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "tool %s is not in the registry", toolID)
}

func (c *Client) fetchRemote(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindRemoteError, "catalog service returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, err)
	}

	var payload struct {
		Tools []rawEntry `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fault.New(fault.KindRemoteError, "catalog service returned an unreadable payload")
	}
	return normalize(payload.Tools)
}

func parseBundledCatalog() ([]Entry, error) {
	var payload struct {
		Tools []rawEntry `yaml:"tools"`
	}
	if err := yaml.Unmarshal(bundledCatalog, &payload); err != nil {
		return nil, fmt.Errorf("parse bundled catalog: %w", err)
	}
	return normalize(payload.Tools)
}

// normalize transforms wire entries, dropping ones that could not be
// installed anyway.
func normalize(raws []rawEntry) ([]Entry, error) {
	entries := make([]Entry, 0, len(raws))
	for _, r := range raws {
		entry := r.toEntry()
		if !validate.Ident(entry.ID) {
			log.Printf("[Registry] Dropping catalog entry with invalid id %q", entry.ID)
			continue
		}
		if entry.DownloadURL != "" {
			if err := validate.HTTPURL(entry.DownloadURL); err != nil {
				log.Printf("[Registry] Dropping %s: bad download URL: %v", entry.ID, err)
				continue
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
