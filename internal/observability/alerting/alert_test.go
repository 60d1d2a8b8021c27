package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	xerrors "RentEscrow/internal/errors"
)

const codeTestAlert xerrors.Code = "TEST_ALERT"

func init() {
	xerrors.Register(codeTestAlert, xerrors.Attributes{
		Message:  "test alert",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureNotifier) Channel() Channel { return ChannelLog }

func (c *captureNotifier) Notify(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func TestReportOnlyAlertsOnAlertingCodes(t *testing.T) {
	t.Parallel()

	capture := &captureNotifier{}
	d := NewFanout(capture)

	Report(context.Background(), d, xerrors.New(xerrors.CodeInvalidArgument, "bad input"), "pay_rent", "0x01")
	Report(context.Background(), d, nil, "pay_rent", "0x01")
	Report(context.Background(), d, xerrors.New(codeTestAlert, "custody short",
		xerrors.WithMetadata("custody", "10")), "end_rental", "0x02")

	if len(capture.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(capture.events))
	}
	ev := capture.events[0]
	if ev.Code != codeTestAlert || ev.Severity != xerrors.SeverityCritical || ev.Operation != "end_rental" || ev.Metadata["custody"] != "10" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	t.Parallel()

	failing := &captureNotifier{err: errors.New("down")}
	d := NewFanout(failing, nil)
	if err := d.Notify(context.Background(), Event{Code: codeTestAlert}); err == nil {
		t.Fatal("expected error from failing notifier")
	}
	var nilFanout *FanoutDispatcher
	if err := nilFanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	t.Parallel()

	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: codeTestAlert, Message: "custody short"}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	ev := <-received
	if ev.Code != codeTestAlert || ev.Message != "custody short" {
		t.Fatalf("unexpected payload %+v", ev)
	}

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer rejecting.Close()
	if err := (&WebhookNotifier{URL: rejecting.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()

	n := &LogNotifier{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := n.Notify(context.Background(), Event{Code: codeTestAlert, Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("log notifier failed: %v", err)
	}
}
