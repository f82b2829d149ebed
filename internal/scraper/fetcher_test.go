package scraper_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editais/ingest-service/internal/metrics"
	"editais/ingest-service/internal/model"
	"editais/ingest-service/internal/scraper"
)

const registryURL = "https://registry.test/api/consulta/v1/contratacoes"

var testWindow = model.Window{
	Start: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
}

func newMockedFetcher(t *testing.T, pageSize, maxPages int) (*scraper.PNCPFetcher, *httpmock.MockTransport, *prometheus.Registry) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	reg := prometheus.NewRegistry()
	f := scraper.NewPNCPFetcher(registryURL, pageSize, maxPages, &http.Client{Transport: mt}, metrics.New(reg))
	return f, mt, reg
}

func TestFetchPage_EncodesWindowAndPagination(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 20, 1)

	mt.RegisterResponderWithQuery(http.MethodGet, registryURL, map[string]string{
		"data_publicacao_inicio": "2024-04-30",
		"data_publicacao_fim":    "2024-05-01",
		"pagina":                 "3",
		"tamanhoPagina":          "20",
	}, httpmock.NewStringResponder(http.StatusOK, `{"data": [{"objetoResumo": "Reforma de escola", "uf": "SP"}]}`))

	items := f.FetchPage(context.Background(), testWindow, 3, 20)

	require.Len(t, items, 1)
	assert.Equal(t, "Reforma de escola", items[0].Title)
	assert.Equal(t, "SP", items[0].RegionCode)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestFetchPage_MissingDataFieldIsEmpty(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 20, 1)
	mt.RegisterResponder(http.MethodGet, registryURL,
		httpmock.NewStringResponder(http.StatusOK, `{"totalRegistros": 0}`))

	assert.Empty(t, f.FetchPage(context.Background(), testWindow, 1, 20))
}

func TestFetchPage_NoContentIsEmpty(t *testing.T) {
	f, mt, reg := newMockedFetcher(t, 20, 1)
	mt.RegisterResponder(http.MethodGet, registryURL,
		httpmock.NewStringResponder(http.StatusNoContent, ""))

	assert.Empty(t, f.FetchPage(context.Background(), testWindow, 1, 20))

	n, err := testutil.GatherAndCount(reg, "editais_fetch_failures_total")
	require.NoError(t, err)
	assert.Zero(t, n, "204 is not a failure")
}

func TestFetchPage_FailSoft(t *testing.T) {
	cases := []struct {
		name      string
		responder httpmock.Responder
		reason    string
	}{
		{"server error", httpmock.NewStringResponder(http.StatusInternalServerError, "boom"), metrics.ReasonStatus},
		{"not found", httpmock.NewStringResponder(http.StatusNotFound, ""), metrics.ReasonStatus},
		{"transport error", httpmock.NewErrorResponder(errors.New("connection reset")), metrics.ReasonTransport},
		{"malformed body", httpmock.NewStringResponder(http.StatusOK, `{"data": [`), metrics.ReasonDecode},
		{"data not a list", httpmock.NewStringResponder(http.StatusOK, `{"data": "nope"}`), metrics.ReasonDecode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, mt, reg := newMockedFetcher(t, 20, 1)
			mt.RegisterResponder(http.MethodGet, registryURL, tc.responder)

			var items []model.RawNotice
			assert.NotPanics(t, func() {
				items = f.FetchPage(context.Background(), testWindow, 1, 20)
			})
			assert.Empty(t, items)

			expected := fmt.Sprintf(`
# HELP editais_fetch_failures_total Registry page fetches that degraded to an empty result
# TYPE editais_fetch_failures_total counter
editais_fetch_failures_total{reason=%q} 1
`, tc.reason)
			assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "editais_fetch_failures_total"))
		})
	}
}

func TestFetchPage_CancelledContextIsEmpty(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 20, 1)
	mt.RegisterResponder(http.MethodGet, registryURL,
		httpmock.NewStringResponder(http.StatusOK, `{"data": [{}]}`).Delay(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Empty(t, f.FetchPage(ctx, testWindow, 1, 20))
}

// pagedResponder serves `total` items split into pages of size pageSize.
func pagedResponder(t *testing.T, total, pageSize int) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		var page int
		_, err := fmt.Sscanf(req.URL.Query().Get("pagina"), "%d", &page)
		require.NoError(t, err)

		from := (page - 1) * pageSize
		var items []string
		for i := from; i < total && i < from+pageSize; i++ {
			items = append(items, fmt.Sprintf(`{"objetoResumo": "item %d"}`, i))
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"data": [`+strings.Join(items, ",")+`]}`), nil
	}
}

func TestFetch_SinglePageByDefault(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 2, 0)
	mt.RegisterResponder(http.MethodGet, registryURL, pagedResponder(t, 5, 2))

	items := f.Fetch(context.Background(), testWindow)

	assert.Len(t, items, 2)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestFetch_DrainsUntilShortPage(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 2, 10)
	mt.RegisterResponder(http.MethodGet, registryURL, pagedResponder(t, 5, 2))

	items := f.Fetch(context.Background(), testWindow)

	require.Len(t, items, 5)
	assert.Equal(t, "item 0", items[0].Title)
	assert.Equal(t, "item 4", items[4].Title)
	assert.Equal(t, 3, mt.GetTotalCallCount())
}

func TestFetch_StopsOnEmptyPage(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 2, 10)
	mt.RegisterResponder(http.MethodGet, registryURL, pagedResponder(t, 4, 2))

	items := f.Fetch(context.Background(), testWindow)

	assert.Len(t, items, 4)
	assert.Equal(t, 3, mt.GetTotalCallCount())
}

func TestFetch_RespectsMaxPages(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 2, 2)
	mt.RegisterResponder(http.MethodGet, registryURL, pagedResponder(t, 100, 2))

	assert.Len(t, f.Fetch(context.Background(), testWindow), 4)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestFetch_FailureMidwayKeepsEarlierPages(t *testing.T) {
	f, mt, _ := newMockedFetcher(t, 2, 5)
	mt.RegisterResponder(http.MethodGet, registryURL, func(req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("pagina") == "1" {
			return httpmock.NewStringResponse(http.StatusOK, `{"data": [{}, {}]}`), nil
		}
		return httpmock.NewStringResponse(http.StatusBadGateway, ""), nil
	})

	assert.Len(t, f.Fetch(context.Background(), testWindow), 2)
}
