package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestWebhook_DeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var received []event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var evt event
		if err := json.Unmarshal(body, &evt); err != nil {
			t.Errorf("bad event payload: %v", err)
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	wh.RefundResolved("rfd_1", "buyer", "seller", "COMPLETED", 19.99)
	wh.PayoutProcessed("pay_1", "seller", "released", 45.00)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d events, want 2", len(received))
	}
	if received[0].Type != "refund.resolved" {
		t.Errorf("event type = %q, want refund.resolved", received[0].Type)
	}
	if received[0].Data["refundId"] != "rfd_1" {
		t.Errorf("refundId = %v", received[0].Data["refundId"])
	}
	if received[1].Type != "payout.processed" {
		t.Errorf("event type = %q, want payout.processed", received[1].Type)
	}
	if received[1].Data["netAmount"] != 45.00 {
		t.Errorf("netAmount = %v", received[1].Data["netAmount"])
	}
	if received[0].ID == "" || received[0].Timestamp.IsZero() {
		t.Error("events must carry an ID and a timestamp")
	}
}

func TestWebhook_FailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Endpoint rejects, then disappears entirely; neither may panic or block.
	wh := NewWebhook(srv.URL, nil)
	wh.RefundResolved("rfd_1", "b", "s", "COMPLETED", 1)

	srv.Close()
	wh.PayoutProcessed("pay_1", "s", "released", 1)
}

func TestNoop(t *testing.T) {
	var n Notifier = Noop{}
	n.RefundResolved("r", "b", "s", "COMPLETED", 1)
	n.PayoutProcessed("p", "s", "released", 1)
}
