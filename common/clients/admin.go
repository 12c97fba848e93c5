// Package clients holds the HTTP client for the control node inspection
// API. Operator tooling uses it to read node state; it never mutates
// anything, the admin surface is read-only.
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Logger interface for client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Sections of the inspection API.
const (
	SectionHealth   = "healthz"
	SectionStatus   = "status"
	SectionVersions = "versions"
	SectionJoins    = "joins"
	SectionQueue    = "queue"
)

// Admin queries the local inspection API of one control node.
type Admin struct {
	base   string
	client *http.Client
	log    Logger
}

// NewAdmin creates a client for the node at addr (host:port).
func NewAdmin(addr string, client *http.Client, log Logger) *Admin {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Admin{
		base:   "http://" + addr,
		client: client,
		log:    log,
	}
}

// Section fetches one named section and decodes it. Unknown sections are
// rejected before any request is made.
func (a *Admin) Section(ctx context.Context, name string) (map[string]interface{}, error) {
	switch name {
	case SectionHealth, SectionStatus, SectionVersions, SectionJoins, SectionQueue:
	default:
		return nil, fmt.Errorf("unknown inspection section %q", name)
	}
	var out map[string]interface{}
	if err := a.get(ctx, "/"+name, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the node summary.
func (a *Admin) Status(ctx context.Context) (map[string]interface{}, error) {
	return a.Section(ctx, SectionStatus)
}

// Versions fetches the active and staged rule base versions.
func (a *Admin) Versions(ctx context.Context) (map[string]interface{}, error) {
	return a.Section(ctx, SectionVersions)
}

// Joins fetches the pending join records.
func (a *Admin) Joins(ctx context.Context) (map[string]interface{}, error) {
	return a.Section(ctx, SectionJoins)
}

// Queue fetches the scheduler band snapshot.
func (a *Admin) Queue(ctx context.Context) (map[string]interface{}, error) {
	return a.Section(ctx, SectionQueue)
}

func (a *Admin) get(ctx context.Context, path string, out interface{}) error {
	url := a.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	a.log.Debug("querying node", "url", url)
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
