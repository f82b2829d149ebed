package notices_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editais/ingest-service/internal/model"
	"editais/ingest-service/internal/notices"
)

// fakeReader filters an in-memory slice the way the SQL query does.
type fakeReader struct {
	rows []model.Notice
	err  error
}

func (f *fakeReader) List(_ context.Context, flt notices.Filter) ([]model.Notice, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []model.Notice{}
	for _, n := range f.rows {
		if flt.Region != "" && n.RegionCode != flt.Region {
			continue
		}
		if flt.TitleContains != "" && !strings.Contains(strings.ToLower(n.Title), strings.ToLower(flt.TitleContains)) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeReader) Get(_ context.Context, id int64) (*model.Notice, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, n := range f.rows {
		if n.ID == id {
			return &n, nil
		}
	}
	return nil, notices.ErrNotFound
}

func (f *fakeReader) Stats(context.Context) (model.Stats, error) {
	if f.err != nil {
		return model.Stats{}, f.err
	}
	st := model.Stats{ByRegion: map[string]int{}}
	for _, n := range f.rows {
		st.ByRegion[n.RegionCode]++
		st.Total++
	}
	return st, nil
}

type fakeIngester struct {
	res      model.RunResult
	err      error
	triggers []model.Trigger
}

func (f *fakeIngester) RunDaily(_ context.Context, trigger model.Trigger) (model.RunResult, error) {
	f.triggers = append(f.triggers, trigger)
	return f.res, f.err
}

type fakeStatus struct {
	last *model.RunResult
	err  error
}

func (f *fakeStatus) Last(context.Context) (*model.RunResult, error) { return f.last, f.err }

func sampleRows() []model.Notice {
	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return []model.Notice{
		{ID: 1, Title: "Reforma de escola", IssuingBody: "Prefeitura X", RegionCode: "SP", Modality: "Pregão", PublicationDate: d, SourceLink: "http://x"},
		{ID: 2, Title: "OBRA de ponte", IssuingBody: "Estado", RegionCode: "SP", Modality: "Concorrência", PublicationDate: d, SourceLink: "#"},
		{ID: 3, Title: "Obra viária", IssuingBody: "Município", RegionCode: "RJ", Modality: "ND", PublicationDate: d, SourceLink: "#"},
		{ID: 4, Title: "Merenda", IssuingBody: "Unknown", RegionCode: "sp", Modality: "ND", PublicationDate: d, SourceLink: "#"},
	}
}

func newServer(t *testing.T, r notices.Reader, i notices.Ingester, s notices.StatusReader, requireUser bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	notices.NewHandler(r, i, s, requireUser).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

type noticeDTO struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	RegionCode      string `json:"regionCode"`
	PublicationDate string `json:"publicationDate"`
}

func ids(list []noticeDTO) []int64 {
	out := make([]int64, 0, len(list))
	for _, n := range list {
		out = append(out, n.ID)
	}
	return out
}

func TestListNotices_Filters(t *testing.T) {
	srv := newServer(t, &fakeReader{rows: sampleRows()}, &fakeIngester{}, nil, false)

	cases := []struct {
		query string
		want  []int64
	}{
		{"", []int64{1, 2, 3, 4}},
		{"?region=SP", []int64{1, 2}},
		{"?title=obra", []int64{2, 3}},
		{"?region=SP&title=obra", []int64{2}},
		{"?region=MG", []int64{}},
	}
	for _, tc := range cases {
		var got []noticeDTO
		status := getJSON(t, srv.URL+"/notices"+tc.query, &got)
		assert.Equal(t, http.StatusOK, status, tc.query)
		assert.Equal(t, tc.want, ids(got), tc.query)
	}
}

func TestListNotices_JSONShape(t *testing.T) {
	srv := newServer(t, &fakeReader{rows: sampleRows()[:1]}, &fakeIngester{}, nil, false)

	var got []noticeDTO
	getJSON(t, srv.URL+"/notices", &got)

	require.Len(t, got, 1)
	assert.Equal(t, "2024-05-01", got[0].PublicationDate)
	assert.Equal(t, "SP", got[0].RegionCode)
}

func TestListNotices_StorageError(t *testing.T) {
	srv := newServer(t, &fakeReader{err: notices.ErrStorage}, &fakeIngester{}, nil, false)

	var body map[string]string
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/notices", &body))
	assert.Equal(t, "database error", body["error"])
}

func TestListNotices_MethodNotAllowed(t *testing.T) {
	srv := newServer(t, &fakeReader{}, &fakeIngester{}, nil, false)

	resp, err := http.Post(srv.URL+"/notices", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetNotice(t *testing.T) {
	srv := newServer(t, &fakeReader{rows: sampleRows()}, &fakeIngester{}, nil, false)

	var n noticeDTO
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/notices/3", &n))
	assert.Equal(t, "Obra viária", n.Title)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/notices/99", &body))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/notices/abc", &body))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/notices/-1", &body))
}

func TestStats(t *testing.T) {
	srv := newServer(t, &fakeReader{rows: sampleRows()}, &fakeIngester{}, nil, false)

	var st model.Stats
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/notices/stats", &st))
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, map[string]int{"SP": 2, "RJ": 1, "sp": 1}, st.ByRegion)
}

func TestIngest_ReturnsCount(t *testing.T) {
	ing := &fakeIngester{res: model.RunResult{Processed: 7}}
	srv := newServer(t, &fakeReader{}, ing, nil, false)

	resp, err := http.Post(srv.URL+"/notices/ingest", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"count": 7}, body)
	assert.Equal(t, []model.Trigger{model.TriggerOnDemand}, ing.triggers)
}

func TestIngest_StorageFailure(t *testing.T) {
	ing := &fakeIngester{err: fmt.Errorf("merge: %w", notices.ErrStorage)}
	srv := newServer(t, &fakeReader{}, ing, nil, false)

	resp, err := http.Post(srv.URL+"/notices/ingest", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
		Count int    `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Zero(t, body.Count)
	assert.Contains(t, body.Error, "storage failure")
}

func TestIngest_GetNotAllowed(t *testing.T) {
	srv := newServer(t, &fakeReader{}, &fakeIngester{}, nil, false)

	var body map[string]string
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, srv.URL+"/notices/ingest", &body))
}

func TestIngestStatus(t *testing.T) {
	last := &model.RunResult{RunID: "r1", Trigger: model.TriggerScheduled, Processed: 3}

	t.Run("recorded", func(t *testing.T) {
		srv := newServer(t, &fakeReader{}, &fakeIngester{}, &fakeStatus{last: last}, false)
		var got model.RunResult
		assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/notices/ingest/status", &got))
		assert.Equal(t, "r1", got.RunID)
		assert.Equal(t, 3, got.Processed)
	})
	t.Run("none yet", func(t *testing.T) {
		srv := newServer(t, &fakeReader{}, &fakeIngester{}, &fakeStatus{}, false)
		var body map[string]string
		assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/notices/ingest/status", &body))
	})
	t.Run("redis down", func(t *testing.T) {
		srv := newServer(t, &fakeReader{}, &fakeIngester{}, &fakeStatus{err: errors.New("dial tcp")}, false)
		var body map[string]string
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/notices/ingest/status", &body))
	})
	t.Run("not configured", func(t *testing.T) {
		srv := newServer(t, &fakeReader{}, &fakeIngester{}, nil, false)
		var body map[string]string
		assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/notices/ingest/status", &body))
	})
}

func TestRequireUserHeader(t *testing.T) {
	srv := newServer(t, &fakeReader{rows: sampleRows()}, &fakeIngester{}, nil, true)

	var body map[string]string
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/notices", &body))
	assert.Equal(t, "missing x-user-id header", body["error"])

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/notices?region=RJ", nil)
	require.NoError(t, err)
	req.Header.Set("x-user-id", "u-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []noticeDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{3}, ids(got))
}
