// SPDX-License-Identifier: MIT
package mqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProducerSendMessagePostsToBroker(t *testing.T) {
	var gotReq sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send-message" {
			t.Errorf("path = %q, want /send-message", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProducer(srv.URL)
	if err := p.SendMessage(context.Background(), "run_failed", []byte(`{"run_id":"r1"}`)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotReq.Channel != "run_failed" {
		t.Errorf("broker received channel = %q, want run_failed", gotReq.Channel)
	}
}

func TestProducerSendMessagePropagatesBrokerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProducer(srv.URL)
	if err := p.SendMessage(context.Background(), "run_failed", []byte(`{}`)); err == nil {
		t.Error("expected an error when the broker returns a 5xx status")
	}
}
