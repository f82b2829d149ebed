package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"editais/ingest-service/internal/metrics"
	"editais/ingest-service/internal/model"
)

const (
	DefaultBaseURL  = "https://pncp.gov.br/api/consulta/v1/contratacoes"
	DefaultPageSize = 20
	DefaultMaxPages = 1
	httpTimeout     = 15 * time.Second
	maxBodyBytes    = 16 << 20
)

// PNCPFetcher retrieves notices published within a date window from the
// PNCP registry.
//
// Every failure (transport, non-2xx, undecodable body) degrades to an empty
// page: a scheduled run must never fail because the registry misbehaved.
type PNCPFetcher struct {
	BaseURL  string
	PageSize int
	MaxPages int // pages drained per Fetch; 1 keeps the single-page behavior

	client  *http.Client
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewPNCPFetcher constructs a fetcher. A nil client gets a dedicated one with
// a bounded timeout.
func NewPNCPFetcher(baseURL string, pageSize, maxPages int, client *http.Client, m *metrics.Metrics) *PNCPFetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if client == nil {
		client = NewHTTPClient(httpTimeout)
	}
	return &PNCPFetcher{
		BaseURL:  baseURL,
		PageSize: pageSize,
		MaxPages: maxPages,
		client:   client,
		metrics:  m,
		log:      slog.With("component", "fetcher"),
	}
}

// NewHTTPClient returns a client whose every request is bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// pncpResponse mirrors the top-level registry JSON response.
type pncpResponse struct {
	Data         []model.RawNotice `json:"data"`
	TotalPaginas int               `json:"totalPaginas"`
}

// Fetch drains up to MaxPages pages of the window, stopping at the first
// empty or short page.
func (f *PNCPFetcher) Fetch(ctx context.Context, w model.Window) []model.RawNotice {
	var items []model.RawNotice

	for page := 1; page <= f.MaxPages; page++ {
		batch := f.FetchPage(ctx, w, page, f.PageSize)
		if len(batch) == 0 {
			break
		}
		items = append(items, batch...)
		if len(batch) < f.PageSize {
			break // last page
		}
	}

	return items
}

// FetchPage issues one GET for the given page. It returns nil on any failure.
func (f *PNCPFetcher) FetchPage(ctx context.Context, w model.Window, page, pageSize int) []model.RawNotice {
	items, err := f.fetchPage(ctx, w, page, pageSize)
	if err != nil {
		f.log.Warn("registry page degraded to empty result",
			"window", w.String(), "page", page, "err", err)
		return nil
	}
	return items
}

// fetchError tags an error with its metrics reason.
type fetchError struct {
	reason string
	err    error
}

func (e *fetchError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func (f *PNCPFetcher) fail(reason string, err error) error {
	f.metrics.FetchFailed(reason)
	return &fetchError{reason: reason, err: err}
}

func (f *PNCPFetcher) fetchPage(ctx context.Context, w model.Window, page, pageSize int) ([]model.RawNotice, error) {
	params := url.Values{}
	params.Set("data_publicacao_inicio", w.Start.Format(model.DateLayout))
	params.Set("data_publicacao_fim", w.End.Format(model.DateLayout))
	params.Set("pagina", strconv.Itoa(page))
	params.Set("tamanhoPagina", strconv.Itoa(pageSize))

	reqURL := f.BaseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, f.fail(metrics.ReasonTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.fail(metrics.ReasonTransport, fmt.Errorf("http GET: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, f.fail(metrics.ReasonTransport, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, f.fail(metrics.ReasonStatus, fmt.Errorf("registry returned %d: %.200s", resp.StatusCode, body))
	}

	// 204 No Content is how the registry answers an empty window.
	if len(body) == 0 {
		return nil, nil
	}

	var apiResp pncpResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, f.fail(metrics.ReasonDecode, fmt.Errorf("json unmarshal: %w", err))
	}

	f.log.Debug("registry page fetched",
		"window", w.String(), "page", page, "items", len(apiResp.Data), "totalPages", apiResp.TotalPaginas)
	return apiResp.Data, nil
}
