package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"famdigest/internal/domain"
	"famdigest/internal/infra/metrics"
)

const twilioAPIBase = "https://api.twilio.com"

// Config — параметры аккаунта Twilio.
type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	Timeout    time.Duration
}

// Client отправляет SMS через Twilio Messages API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient создаёт клиент.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// SetHTTPClient подменяет транспорт (для тестов).
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

var _ domain.Messenger = (*Client)(nil)

// NormalizePhone приводит номер к виду "+<только цифры>".
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Send отправляет сообщение и возвращает внешний id и число сегментов.
func (c *Client) Send(ctx context.Context, to, body string) (domain.DeliveryResult, error) {
	form := url.Values{}
	form.Set("To", NormalizePhone(to))
	form.Set("From", c.cfg.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("создание запроса: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("twilio", "send_message", "messages", start, err)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("запрос к twilio: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("чтение ответа: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
			return domain.DeliveryResult{}, fmt.Errorf("twilio отклонил отправку (%d): %s", apiErr.Code, apiErr.Message)
		}
		return domain.DeliveryResult{}, fmt.Errorf("twilio ответил %d", resp.StatusCode)
	}

	var message struct {
		SID string `json:"sid"`
		// Twilio отдаёт num_segments строкой.
		NumSegments string `json:"num_segments"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(raw, &message); err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("разбор ответа twilio: %w", err)
	}

	segments, err := strconv.Atoi(message.NumSegments)
	if err != nil || segments <= 0 {
		segments = 1
	}

	return domain.DeliveryResult{
		ExternalID: message.SID,
		Segments:   segments,
		Raw:        json.RawMessage(raw),
	}, nil
}
