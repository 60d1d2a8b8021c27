package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/events"
	"RentEscrow/internal/lease"
)

func TestLeaseOperationMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveOperation(lease.OpPayRent, "OK", uint256.NewInt(500))
	m.ObserveOperation(lease.OpPayRent, "OK", uint256.NewInt(500))
	m.ObserveOperation(lease.OpPayRent, lease.CodeUnauthorized, nil)

	if got := testutil.ToFloat64(m.operations.WithLabelValues(lease.OpPayRent, "OK")); got != 2 {
		t.Fatalf("unexpected ok count %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues(lease.OpPayRent, string(lease.CodeUnauthorized))); got != 1 {
		t.Fatalf("unexpected failure count %v", got)
	}
	if got := testutil.ToFloat64(m.fundsMoved.WithLabelValues(lease.OpPayRent)); got != 1000 {
		t.Fatalf("unexpected funds moved %v", got)
	}
}

func TestEventMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	ev := events.New(events.KindRentPaid, common.HexToAddress("0x01"), time.Unix(1, 0), nil)
	m.ObservePublishFailure(ev, xerrors.New(xerrors.CodePublishFailure, "broker down"))
	m.ObserveDrop(ev)

	if got := testutil.ToFloat64(m.publishFailed.WithLabelValues(string(events.KindRentPaid))); got != 1 {
		t.Fatalf("unexpected publish failures %v", got)
	}
	if got := testutil.ToFloat64(m.eventsDropped); got != 1 {
		t.Fatalf("unexpected drops %v", got)
	}
}

func TestInstrumentAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	failing := m.Instrument("end", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, errors.New("boom").Error(), http.StatusInternalServerError)
	}))
	failing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/end", nil))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("end", http.MethodPost, "500")); got != 1 {
		t.Fatalf("unexpected request count %v", got)
	}
	if got := testutil.ToFloat64(m.requestErrors.WithLabelValues("end", http.MethodPost)); got != 1 {
		t.Fatalf("unexpected error count %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"rentescrow_http_requests_total",
		"rentescrow_http_request_duration_seconds_bucket",
		"rentescrow_events_dropped_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestStartServer(t *testing.T) {
	m := New()
	if err := m.StartServer(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.StartServer(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
