package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-insight/internal/prediction"
)

var (
	// ErrNoImage reports a submit attempt with no image data. The gateway
	// rejects it locally without touching the network.
	ErrNoImage = errors.New("gateway: no image data provided")
	// ErrMalformedResponse reports a 2xx response missing the expected
	// classification data shape.
	ErrMalformedResponse = errors.New("gateway: response missing classification data")
)

// ClassificationError reports a non-success response from the
// classification boundary, carrying whatever message the service provided.
type ClassificationError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *ClassificationError) Error() string {
	return fmt.Sprintf("gateway: classification failed with status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the two remote endpoints of the analysis boundary:
// profile intake and image classification. Both are plain JSON POSTs.
type Client struct {
	httpClient  *http.Client
	profileURL  string
	classifyURL string
	logger      *zap.Logger
}

// NewClient constructs a gateway client with the given request timeout.
func NewClient(profileURL, classifyURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		profileURL:  profileURL,
		classifyURL: classifyURL,
		logger:      logger.Named("gateway"),
	}
}

// SubmitProfile posts the intake form. Callers treat failures as
// non-blocking; the acquisition flow proceeds regardless.
func (c *Client) SubmitProfile(ctx context.Context, name, location string) error {
	payload := struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	}{Name: name, Location: location}

	status, body, err := c.post(ctx, c.profileURL, payload)
	if err != nil {
		return fmt.Errorf("gateway: profile submission: %w", err)
	}
	if status < 200 || status > 299 {
		return &ClassificationError{StatusCode: status, Message: extractMessage(body)}
	}
	return nil
}

// SubmitImage sends a normalized image for classification and returns the
// three per-category distributions.
func (c *Client) SubmitImage(ctx context.Context, image string) (*prediction.Distributions, error) {
	if image == "" {
		return nil, ErrNoImage
	}

	// The service is case-sensitive about this field and only accepts the
	// lowercase "image"; "Image" comes back 400 "Image is required." even
	// though the profile endpoint capitalizes its fields.
	payload := struct {
		Image string `json:"image"`
	}{Image: image}

	status, body, err := c.post(ctx, c.classifyURL, payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: image submission: %w", err)
	}
	if status < 200 || status > 299 {
		failure := &ClassificationError{StatusCode: status, Message: extractMessage(body)}
		c.logger.Warn("classification rejected",
			zap.Int("status", status), zap.String("message", failure.Message))
		return nil, failure
	}

	var envelope struct {
		Data *prediction.Distributions `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if envelope.Data == nil || len(envelope.Data.Race) == 0 || len(envelope.Data.Age) == 0 || len(envelope.Data.Gender) == 0 {
		return nil, ErrMalformedResponse
	}
	return envelope.Data, nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// extractMessage pulls a human-readable cause out of a failure body: the
// "error" field, then "message", then the serialized body itself.
func extractMessage(body []byte) string {
	var fields struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		if fields.Error != "" {
			return fields.Error
		}
		if fields.Message != "" {
			return fields.Message
		}
	}
	return string(bytes.TrimSpace(body))
}
