package dca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReconcileSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/maintenance/reconcile" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer op" {
			t.Fatalf("unexpected authorization %q", got)
		}
		_ = json.NewEncoder(w).Encode(MaintenanceResult{
			Scanned: 4,
			Changes: []Change{{OrderID: "o1", Action: "paused"}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("op")
	res, err := client.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Scanned != 4 || len(res.Changes) != 1 || res.Changes[0].Action != "paused" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAPIErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"ORDER_INVALID_TRANSITION","message":"order status transition not allowed"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ResumeOrder(context.Background(), "o1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "ORDER_INVALID_TRANSITION" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestOrderActionBodies(t *testing.T) {
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
		}
		bodies = append(bodies, body)
		_ = json.NewEncoder(w).Encode(Order{ID: "o1", Status: "cancelled", TotalAmount: "1000000000000000000000"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	o, err := client.CancelOrder(context.Background(), "o1", "user request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.TotalAmount.String() != "1000000000000000000000" {
		t.Fatalf("amount lost precision: %s", o.TotalAmount)
	}
	if _, err := client.ResumeOrder(context.Background(), "o1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if bodies[0]["reason"] != "user request" || len(bodies[1]) != 0 {
		t.Fatalf("unexpected bodies %+v", bodies)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}
