package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/trailcrew/fieldsync/internal/models"
)

// HTTPSubmitter posts events as JSON to a fixed backend endpoint
type HTTPSubmitter struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSubmitter(url string, logger *slog.Logger) *HTTPSubmitter {
	return &HTTPSubmitter{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, event models.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return submitErr(ErrorSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return submitErr(ErrorNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return submitErr(ErrorNetwork, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Warn("Backend rejected event", "event_id", event.ID, "status", resp.StatusCode)
		return submitErr(ErrorServer, fmt.Errorf("backend returned status %d", resp.StatusCode))
	}
	return nil
}
