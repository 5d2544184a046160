// SPDX-License-Identifier: MIT
package mqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/AvantDataSolutions/orcha-sub000/src/cache"
	"github.com/AvantDataSolutions/orcha-sub000/src/store"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	st, err := store.Open(store.Config{Driver: store.DriverSQLite, Path: filepath.Join(t.TempDir(), "orcha.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg, err := cache.New(cache.Config{Backend: cache.BackendMemory})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	b, err := New(context.Background(), st, reg, nil, nil)
	if err != nil {
		t.Fatalf("mqueue.New: %v", err)
	}
	return b
}

func postJSON(t *testing.T, mux http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestRegisterSendAckRoundTrip(t *testing.T) {
	received := make(chan receiveMessageRequest, 1)
	consumerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req receiveMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("consumer decode: %v", err)
		}
		received <- req
		w.WriteHeader(http.StatusOK)
	}))
	defer consumerSrv.Close()

	b := newTestBroker(t)
	mux := b.Router()

	w := postJSON(t, mux, "/register-consumer", registerConsumerRequest{
		Channel: "run_failed", ConsumerName: "monitor", URL: consumerSrv.URL,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}

	w = postJSON(t, mux, "/send-message", sendMessageRequest{
		Channel: "run_failed", Message: json.RawMessage(`{"run_id":"r1"}`),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d, body = %s", w.Code, w.Body.String())
	}
	var sendResp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &sendResp); err != nil {
		t.Fatalf("unmarshal send response: %v", err)
	}
	if sendResp["status"] != StatusSendSuccess {
		t.Errorf("send status field = %v, want %q", sendResp["status"], StatusSendSuccess)
	}

	select {
	case req := <-received:
		if req.Channel != "run_failed" || req.Name != "monitor" {
			t.Errorf("consumer received = %+v, want channel=run_failed name=monitor", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never received the delivery")
	}
}

func TestSendMessageWithNoRegisteredConsumerIsANoop(t *testing.T) {
	b := newTestBroker(t)
	mux := b.Router()

	w := postJSON(t, mux, "/send-message", sendMessageRequest{
		Channel: "nobody_listens", Message: json.RawMessage(`{}`),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != StatusSendNoChannel {
		t.Errorf("status = %v, want %q", resp["status"], StatusSendNoChannel)
	}
}

func TestUnregisterConsumerRemovesFromCache(t *testing.T) {
	b := newTestBroker(t)
	mux := b.Router()

	postJSON(t, mux, "/register-consumer", registerConsumerRequest{
		Channel: "run_failed", ConsumerName: "monitor", URL: "http://127.0.0.1:1",
	})
	w := postJSON(t, mux, "/unregister-consumer", unregisterConsumerRequest{
		Channel: "run_failed", ConsumerName: "monitor",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unregister status = %d, body = %s", w.Code, w.Body.String())
	}

	w = postJSON(t, mux, "/send-message", sendMessageRequest{
		Channel: "run_failed", Message: json.RawMessage(`{}`),
	})
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != StatusSendNoChannel {
		t.Errorf("status after unregister = %v, want %q (no consumers left)", resp["status"], StatusSendNoChannel)
	}
}

func TestAckUnknownMessageNotFound(t *testing.T) {
	b := newTestBroker(t)
	mux := b.Router()

	w := postJSON(t, mux, "/ack-message", ackMessageRequest{MessageID: newMessageID()})
	if w.Code != http.StatusNotFound {
		t.Errorf("ack unknown message status = %d, want 404", w.Code)
	}
}

func TestDeterministicMessageIDStableForSameInputs(t *testing.T) {
	sendTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	body := []byte(`{"a":1}`)
	id1 := deterministicMessageID("run_failed", "monitor", body, sendTime)
	id2 := deterministicMessageID("run_failed", "monitor", body, sendTime)
	if id1 != id2 {
		t.Error("deterministicMessageID should be stable for identical inputs")
	}
	id3 := deterministicMessageID("run_failed", "monitor", body, sendTime.Add(time.Second))
	if id1 == id3 {
		t.Error("deterministicMessageID should vary when send_time differs")
	}
}
