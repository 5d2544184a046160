// SPDX-License-Identifier: MIT
// Package mqueue implements the Message Broker and Consumer Endpoint
// (spec.md §4.6, §4.7): register/unregister/send/ack HTTP endpoints,
// the two-phase delivery write, and the consumer-side receive/ack
// handler. Grounded on
// _examples/original_source/core/notify.py's NotificationManager and
// on the teacher's src/server/server.go for the chi router/middleware
// shape.
package mqueue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/AvantDataSolutions/orcha-sub000/src/cache"
	"github.com/AvantDataSolutions/orcha-sub000/src/metrics"
	"github.com/AvantDataSolutions/orcha-sub000/src/models"
	"github.com/AvantDataSolutions/orcha-sub000/src/services/retry"
	"github.com/AvantDataSolutions/orcha-sub000/src/store"
)

// Send statuses reported in the broker's per-consumer delivery result
// and persisted in messages.send_status.
const (
	SendStatusPending = "pending"
	SendStatusSuccess = "success"
	SendStatusFailed  = "failed"
)

// Response status strings, matching spec.md §6's examples.
const (
	StatusSendSuccess        = "send_message_success"
	StatusSendNoChannel      = "send_message_no_channel"
	StatusRegisterFailed     = "register_consumer_failed"
	StatusRegisterOK         = "register_consumer_success"
	StatusUnregisterOK       = "unregister_consumer_success"
	StatusUnregisterNotFound = "unregister_consumer_not_registered"
	StatusAckOK              = "ack_message_success"
	StatusAckNotFound        = "ack_message_not_registered"
)

// Broker serves the register/unregister/send/ack HTTP surface and
// keeps consumer registrations in a cache.Registry, loaded from the
// store at startup and updated by register/unregister. Reads are not
// lock-free: the in-memory registry takes a read lock on each access.
// The store stays the source of truth on restart.
type Broker struct {
	store   *store.Store
	log     *slog.Logger
	client  *http.Client
	cbs     *retry.CircuitBreakerRegistry
	cache   cache.Registry
	metrics *metrics.Collectors
}

// New builds a Broker and loads the initial consumer cache from st
// into registry. Pass a cache.Registry built with cache.BackendMemory
// for a single-process broker, or cache.BackendRedis so multiple
// broker instances share a warm registry. mtx may be nil.
func New(ctx context.Context, st *store.Store, registry cache.Registry, mtx *metrics.Collectors, log *slog.Logger) (*Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		var err error
		registry, err = cache.New(cache.Config{Backend: cache.BackendMemory})
		if err != nil {
			return nil, fmt.Errorf("mqueue: broker init: %w", err)
		}
	}
	b := &Broker{
		store:   st,
		log:     log,
		client:  &http.Client{Timeout: 10 * time.Second},
		cbs:     retry.NewCircuitBreakerRegistry(retry.DefaultCircuitBreakerConfig("mqueue-consumer")),
		cache:   registry,
		metrics: mtx,
	}
	if err := b.reload(ctx); err != nil {
		return nil, fmt.Errorf("mqueue: broker init: %w", err)
	}
	return b, nil
}

func (b *Broker) reload(ctx context.Context) error {
	consumers, err := b.store.AllConsumers(ctx)
	if err != nil {
		return err
	}
	for _, c := range consumers {
		b.cache.Set(ctx, c)
	}
	return nil
}

func (b *Broker) consumersForChannel(ctx context.Context, channel string) []models.Consumer {
	var out []models.Consumer
	for _, c := range b.cache.All(ctx) {
		if c.Channel == channel {
			out = append(out, c)
		}
	}
	return out
}

// Router builds the broker's chi.Mux, following the teacher's
// middleware stack (request id, recoverer, logger, permissive CORS for
// a machine-to-machine API).
func (b *Broker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/register-consumer", b.handleRegisterConsumer)
	r.Post("/unregister-consumer", b.handleUnregisterConsumer)
	r.Post("/send-message", b.handleSendMessage)
	r.Post("/ack-message", b.handleAckMessage)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type registerConsumerRequest struct {
	Channel      string `json:"channel"`
	ConsumerName string `json:"consumer_name"`
	URL          string `json:"url"`
}

func (b *Broker) handleRegisterConsumer(w http.ResponseWriter, r *http.Request) {
	var req registerConsumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": StatusRegisterFailed, "error": err.Error()})
		return
	}
	c := models.Consumer{Channel: req.Channel, Name: req.ConsumerName, URL: req.URL}
	if err := b.store.UpsertConsumer(r.Context(), c); err != nil {
		b.log.Error("mqueue: register consumer failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": StatusRegisterFailed})
		return
	}
	b.cache.Set(r.Context(), c)
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusRegisterOK})
}

type unregisterConsumerRequest struct {
	Channel      string `json:"channel"`
	ConsumerName string `json:"consumer_name"`
}

func (b *Broker) handleUnregisterConsumer(w http.ResponseWriter, r *http.Request) {
	var req unregisterConsumerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": StatusUnregisterNotFound, "error": err.Error()})
		return
	}
	err := b.store.DeleteConsumer(r.Context(), req.Channel, req.ConsumerName)
	b.cache.Delete(r.Context(), req.Channel, req.ConsumerName)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": StatusUnregisterNotFound})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusUnregisterOK})
}

type sendMessageRequest struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

type sendResult struct {
	ConsumerName string `json:"consumer_name"`
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
}

// deterministicMessageID hashes (channel, consumer, body, sendTime) so
// that re-sending the identical tuple yields the identical id (spec.md
// §4.6's "degenerate idempotency" — callers must vary send_time to
// distinguish deliveries).
func deterministicMessageID(channel, consumer string, body []byte, sendTime time.Time) string {
	h := sha256.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(consumer))
	h.Write([]byte{0})
	h.Write(body)
	h.Write([]byte{0})
	h.Write([]byte(sendTime.UTC().Format(time.RFC3339Nano)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func (b *Broker) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": StatusSendNoChannel, "error": err.Error()})
		return
	}
	consumers := b.consumersForChannel(r.Context(), req.Channel)
	if len(consumers) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": StatusSendNoChannel, "results": []sendResult{}})
		return
	}

	sendTime := time.Now()
	results := make([]sendResult, 0, len(consumers))
	for _, c := range consumers {
		results = append(results, b.deliverOne(r.Context(), req.Channel, c, req.Message, sendTime))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": StatusSendSuccess, "results": results})
}

// deliverOne performs the two-phase write for a single consumer:
// persist the message row (phase 1) before any network call, then
// attempt HTTP delivery and update sent_at/send_status (phase 2). A
// circuit breaker per consumer URL avoids hammering a down consumer.
func (b *Broker) deliverOne(ctx context.Context, channel string, c models.Consumer, body json.RawMessage, sendTime time.Time) sendResult {
	id := deterministicMessageID(channel, c.Name, body, sendTime)
	msg := models.Message{
		ID:           id,
		CreatedAt:    sendTime,
		Channel:      channel,
		ConsumerName: c.Name,
		Body:         body,
		SendStatus:   SendStatusPending,
	}
	if err := b.store.InsertMessage(ctx, msg); err != nil {
		b.log.Error("mqueue: persist message failed", "consumer", c.Name, "error", err)
		return sendResult{ConsumerName: c.Name, MessageID: id, Status: SendStatusFailed}
	}

	cb := b.cbs.Get(c.URL)
	deliverErr := cb.Execute(func() error {
		return b.postDelivery(ctx, c.URL, id, channel, c.Name, body)
	})

	status := SendStatusSuccess
	if deliverErr != nil {
		b.log.Warn("mqueue: delivery failed", "consumer", c.Name, "url", c.URL, "error", deliverErr)
		status = SendStatusFailed
	}
	if err := b.store.UpdateMessageDelivery(ctx, id, time.Now(), status); err != nil {
		b.log.Error("mqueue: update delivery status failed", "message", id, "error", err)
	}
	if b.metrics != nil {
		b.metrics.BrokerDeliveries.WithLabelValues(status).Inc()
	}
	return sendResult{ConsumerName: c.Name, MessageID: id, Status: status}
}

type deliverPayload struct {
	MessageID string          `json:"message_id"`
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	Message   json.RawMessage `json:"message"`
}

func (b *Broker) postDelivery(ctx context.Context, url, messageID, channel, name string, body json.RawMessage) error {
	payload, err := json.Marshal(deliverPayload{MessageID: messageID, Channel: channel, Name: name, Message: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/receive-message", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mqueue: consumer %s returned status %d", name, resp.StatusCode)
	}
	return nil
}

type ackMessageRequest struct {
	MessageID string `json:"message_id"`
}

func (b *Broker) handleAckMessage(w http.ResponseWriter, r *http.Request) {
	var req ackMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": StatusAckNotFound, "error": err.Error()})
		return
	}
	if err := b.store.AckMessage(r.Context(), req.MessageID, time.Now()); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": StatusAckNotFound})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusAckOK})
}

// newMessageID is exposed for tests that need a fresh id independent
// of deterministicMessageID's hashing.
func newMessageID() string { return uuid.NewString() }
