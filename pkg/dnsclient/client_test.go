package dnsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New("test-token")
	c.apiBase = srv.URL
	c.httpClient = srv.Client()
	return c
}

func writeCFResult(w http.ResponseWriter, result any) {
	resp := map[string]any{"success": true, "errors": []any{}, "result": result}
	json.NewEncoder(w).Encode(resp)
}

func TestSetupMultiServerReplacesExistingRecords(t *testing.T) {
	var mu sync.Mutex
	var deleted []string
	var created []string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			writeCFResult(w, []dnsRecord{
				{ID: "r1", Type: "A", Content: "1.1.1.1"},
				{ID: "r2", Type: "A", Content: "2.2.2.2"},
			})
		case http.MethodDelete:
			parts := strings.Split(r.URL.Path, "/")
			deleted = append(deleted, parts[len(parts)-1])
			writeCFResult(w, json.RawMessage(`{}`))
		case http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			created = append(created, body["content"].(string))
			writeCFResult(w, dnsRecord{ID: "new"})
		}
	})

	if err := c.SetupMultiServer(context.Background(), "zone1", "svc.example.com", []string{"10.0.0.1", "10.0.0.2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sort.Strings(deleted)
	sort.Strings(created)
	if len(deleted) != 2 || deleted[0] != "r1" || deleted[1] != "r2" {
		t.Fatalf("expected both existing records deleted, got %v", deleted)
	}
	if len(created) != 2 || created[0] != "10.0.0.1" || created[1] != "10.0.0.2" {
		t.Fatalf("expected new A records for both ips, got %v", created)
	}
}

func TestRemoveDomainDeletesAllARecords(t *testing.T) {
	var mu sync.Mutex
	var deleted []string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			writeCFResult(w, []dnsRecord{{ID: "only", Type: "A", Content: "9.9.9.9"}})
		case http.MethodDelete:
			parts := strings.Split(r.URL.Path, "/")
			deleted = append(deleted, parts[len(parts)-1])
			writeCFResult(w, json.RawMessage(`{}`))
		}
	})

	if err := c.RemoveDomain(context.Background(), "zone1", "svc.example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "only" {
		t.Fatalf("expected the single record deleted, got %v", deleted)
	}
}

func TestSetupMultiServerWithNoIPsRemovesAllRecords(t *testing.T) {
	var mu sync.Mutex
	var deleted []string
	var created []string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			writeCFResult(w, []dnsRecord{{ID: "r1", Type: "A", Content: "1.1.1.1"}})
		case http.MethodDelete:
			parts := strings.Split(r.URL.Path, "/")
			deleted = append(deleted, parts[len(parts)-1])
			writeCFResult(w, json.RawMessage(`{}`))
		case http.MethodPost:
			created = append(created, "should-not-happen")
			writeCFResult(w, dnsRecord{ID: "new"})
		}
	})

	if err := c.SetupMultiServer(context.Background(), "zone1", "svc.example.com", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deleted) != 1 {
		t.Fatalf("expected the old record deleted, got %v", deleted)
	}
	if len(created) != 0 {
		t.Fatalf("expected no new records created, got %v", created)
	}
}
