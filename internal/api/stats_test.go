package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/topchef/internal/worker"
)

func getStats(t *testing.T, srv *Server) statsResponse {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	stats := getStats(t, srv)
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.Source != "store" {
		t.Errorf("source = %q, want store", stats.Source)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv, _ := newTestServer(t)
	recordJob(t, srv, "job-1")
	j := recordJob(t, srv, "job-2")
	if err := srv.store.RecordJob(context.Background(), j, errors.New("unavailable")); err != nil {
		t.Fatalf("RecordJob: %v", err)
	}

	stats := getStats(t, srv)
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByStatus["COMPLETE"] != 2 {
		t.Errorf("by_status = %v, want COMPLETE=2", stats.ByStatus)
	}
	if stats.PendingSubmissions != 1 {
		t.Errorf("pending_submissions = %d, want 1", stats.PendingSubmissions)
	}
}

func TestGetStatsFromWorkerCounters(t *testing.T) {
	fw := &fakeWorker{}
	fw.set(func(st *worker.Status) {
		st.JobsCompleted = 3
		st.JobsFailed = 2
	})
	srv := NewServer(":0", Deps{Worker: fw})

	stats := getStats(t, srv)
	if stats.Source != "worker" {
		t.Errorf("source = %q, want worker", stats.Source)
	}
	if stats.Total != 5 || stats.ByStatus["COMPLETE"] != 3 || stats.ByStatus["FAILED"] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
