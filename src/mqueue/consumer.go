// SPDX-License-Identifier: MIT
package mqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Callback is invoked with a channel's decoded message once it is
// received. Multiple callbacks may be registered per channel.
type Callback func(ctx context.Context, channel, consumerName string, message json.RawMessage) error

// BrokerClient is the narrow surface a Consumer needs to ack a
// delivered message back to the broker.
type BrokerClient interface {
	AckMessage(ctx context.Context, brokerURL, messageID string) error
}

// Consumer serves POST /receive-message (spec.md §4.7): looks up the
// channel in a local registry, decodes the message, and if the target
// name matches a locally-registered consumer, spawns a goroutine to
// run every registered callback before acking. Spawning is mandatory:
// acking inline would deadlock against a broker that holds the
// delivery connection open until ack.
type Consumer struct {
	name      string
	brokerURL string
	client    *http.Client
	log       *slog.Logger

	channels map[string][]Callback
}

// NewConsumer builds a Consumer identified by name, which talks back
// to the broker at brokerURL to ack delivered messages.
func NewConsumer(name, brokerURL string, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		name:      name,
		brokerURL: brokerURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
		channels:  make(map[string][]Callback),
	}
}

// OnChannel registers cb to run for every message received on
// channel.
func (c *Consumer) OnChannel(channel string, cb Callback) {
	c.channels[channel] = append(c.channels[channel], cb)
}

// Router builds the consumer's chi.Mux.
func (c *Consumer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/receive-message", c.handleReceiveMessage)
	return r
}

type receiveMessageRequest struct {
	MessageID string          `json:"message_id"`
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	Message   json.RawMessage `json:"message"`
}

func (c *Consumer) handleReceiveMessage(w http.ResponseWriter, r *http.Request) {
	var req receiveMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	callbacks, known := c.channels[req.Channel]
	if !known {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if req.Name != c.name {
		http.Error(w, "unknown consumer", http.StatusNotFound)
		return
	}

	var probe json.RawMessage
	if err := json.Unmarshal(req.Message, &probe); err != nil {
		http.Error(w, "bad message encoding", http.StatusBadRequest)
		return
	}

	go c.dispatch(req.MessageID, req.Channel, callbacks, req.Message)

	w.WriteHeader(http.StatusOK)
}

func (c *Consumer) dispatch(messageID, channel string, callbacks []Callback, message json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, cb := range callbacks {
		if err := cb(ctx, channel, c.name, message); err != nil {
			c.log.Error("mqueue: consumer callback failed", "channel", channel, "message", messageID, "error", err)
		}
	}

	if err := c.ack(ctx, messageID); err != nil {
		c.log.Error("mqueue: ack failed", "message", messageID, "error", err)
	}
}

type ackRequest struct {
	MessageID string `json:"message_id"`
}

func (c *Consumer) ack(ctx context.Context, messageID string) error {
	payload, err := json.Marshal(ackRequest{MessageID: messageID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.brokerURL+"/ack-message", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mqueue: broker ack returned status %d", resp.StatusCode)
	}
	return nil
}
