package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientRunRegistersAndReachesRegisteredStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "west-1" {
			t.Errorf("unexpected registration body: %+v", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "west-1", "http://remote-self:4020")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.Status() == StatusRegistered {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if client.Status() != StatusRegistered {
		t.Fatalf("status = %v, want Registered", client.Status())
	}
	if calls.Load() == 0 {
		t.Fatalf("expected at least one registration call")
	}
}

func TestClientRunStaysDisconnectedWhenHQUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "west-1", "http://remote-self:4020")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	client.Run(ctx)

	if client.Status() == StatusRegistered {
		t.Fatalf("expected client to never reach Registered against an unreachable HQ")
	}
}
