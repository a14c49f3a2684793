package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// HTTPClient talks to a WhatsApp Cloud API style messages endpoint. Each call
// is bounded by the client timeout; an expired call is a transient failure.
type HTTPClient struct {
	BaseURL string
	client  *http.Client
}

var _ Provider = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTPClient) Send(ctx context.Context, creds model.ProviderCredentials, to, body string) (string, error) {
	if to == "" {
		return "", NewPermanent("empty_recipient", nil)
	}
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             sendText{Body: body},
	})
	if err != nil {
		return "", NewPermanent("marshal_payload", err)
	}

	url := fmt.Sprintf("%s/%s/messages", h.BaseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", NewPermanent("build_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := h.client.Do(req)
	if err != nil {
		// network error or client timeout
		return "", NewTransient("network", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(parsed.Messages) == 0 {
			return "", NewTransient("missing_message_id", nil)
		}
		return parsed.Messages[0].ID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", NewTransient(fmt.Sprintf("http_%d", resp.StatusCode),
			fmt.Errorf("%s", parsed.Error.Message))
	default:
		// remaining 4xx: the provider rejected the payload or recipient
		return "", NewPermanent(fmt.Sprintf("http_%d", resp.StatusCode),
			fmt.Errorf("%s", parsed.Error.Message))
	}
}
