// SPDX-License-Identifier: MIT
package mqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestConsumerReceiveMessageDispatchesAndAcks(t *testing.T) {
	ackCh := make(chan string, 1)
	brokerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("broker decode ack: %v", err)
		}
		ackCh <- req.MessageID
		w.WriteHeader(http.StatusOK)
	}))
	defer brokerSrv.Close()

	c := NewConsumer("monitor", brokerSrv.URL, nil)

	var mu sync.Mutex
	var gotBody json.RawMessage
	c.OnChannel("run_failed", func(ctx context.Context, channel, consumerName string, message json.RawMessage) error {
		mu.Lock()
		gotBody = message
		mu.Unlock()
		return nil
	})

	mux := c.Router()
	w := postJSON(t, mux, "/receive-message", receiveMessageRequest{
		MessageID: "m1", Channel: "run_failed", Name: "monitor", Message: json.RawMessage(`{"run_id":"r1"}`),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("receive-message status = %d", w.Code)
	}

	select {
	case id := <-ackCh:
		if id != "m1" {
			t.Errorf("acked message id = %q, want m1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never acked the message")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotBody) != `{"run_id":"r1"}` {
		t.Errorf("callback body = %s, want {\"run_id\":\"r1\"}", gotBody)
	}
}

func TestConsumerReceiveMessageRejectsUnknownChannel(t *testing.T) {
	c := NewConsumer("monitor", "http://127.0.0.1:1", nil)
	mux := c.Router()
	w := postJSON(t, mux, "/receive-message", receiveMessageRequest{
		MessageID: "m1", Channel: "unregistered", Name: "monitor", Message: json.RawMessage(`{}`),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unregistered channel", w.Code)
	}
}

func TestConsumerReceiveMessageRejectsWrongConsumerName(t *testing.T) {
	c := NewConsumer("monitor", "http://127.0.0.1:1", nil)
	c.OnChannel("run_failed", func(ctx context.Context, channel, consumerName string, message json.RawMessage) error {
		return nil
	})
	mux := c.Router()
	w := postJSON(t, mux, "/receive-message", receiveMessageRequest{
		MessageID: "m1", Channel: "run_failed", Name: "someone_else", Message: json.RawMessage(`{}`),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for a mismatched consumer name", w.Code)
	}
}
