// SPDX-License-Identifier: MIT
package mqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Producer posts to a broker's /send-message endpoint, satisfying
// runtime.Producer. It is the runtime-facing side of SetFailed's
// run_failed publish (spec.md §6 "producer->broker" HTTP calls).
type Producer struct {
	brokerURL string
	client    *http.Client
}

// NewProducer builds a Producer pointed at brokerURL (no trailing
// slash).
func NewProducer(brokerURL string) *Producer {
	return &Producer{brokerURL: brokerURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// SendMessage implements runtime.Producer.
func (p *Producer) SendMessage(ctx context.Context, channel string, body []byte) error {
	payload, err := json.Marshal(sendMessageRequest{Channel: channel, Message: body})
	if err != nil {
		return fmt.Errorf("mqueue: producer marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.brokerURL+"/send-message", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mqueue: producer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("mqueue: producer send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mqueue: producer send: broker returned status %d", resp.StatusCode)
	}
	return nil
}
