package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/signaler/engine/internal/sessionpool"
	"github.com/signaler/engine/models"
)

// httpDriver is the default Session driver: a plain HTTP GET against the
// target URL. It satisfies sessionpool.Driver and orchestrator.Session
// without driving an actual browser, so SEO/security/console-style plugins
// that only need the response body, headers, and status code work without
// an external CDP-capable browser process. Driving a real headless browser
// (performance traces, DOM-rendered console/network logs, JS coverage) is
// the documented external-collaborator boundary: swap Config.Driver for a
// CDP-backed implementation to get that signal.
type httpDriver struct {
	client  *http.Client
	counter int64
}

func newHTTPDriver(timeout time.Duration) *httpDriver {
	return &httpDriver{client: &http.Client{Timeout: timeout}}
}

func (d *httpDriver) NewSession(ctx context.Context) (sessionpool.Session, error) {
	n := atomic.AddInt64(&d.counter, 1)
	return &httpSession{id: fmt.Sprintf("http-%d", n), client: d.client}, nil
}

type httpSession struct {
	id     string
	client *http.Client
}

func (s *httpSession) ID() string  { return s.id }
func (s *httpSession) Close() error { return nil }

func (s *httpSession) Navigate(ctx context.Context, targetURL string) (models.NavigationResult, string, []models.ConsoleMessage, []models.NetworkEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return models.NavigationResult{}, "", nil, nil, err
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return models.NavigationResult{}, "", nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return models.NavigationResult{}, "", nil, nil, err
	}

	nav := models.NavigationResult{
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Headers:    resp.Header,
	}
	network := []models.NetworkEntry{{
		URL:        targetURL,
		Method:     http.MethodGet,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
		TransferSize: int64(len(body)),
	}}
	return nav, string(body), nil, network, nil
}

func (s *httpSession) ReloadForCoverage(ctx context.Context) ([]models.CoverageEntry, error) {
	return nil, nil
}
