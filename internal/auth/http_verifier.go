package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxVerifierResponse bounds how much of the identity provider's reply is read.
const maxVerifierResponse = 64 << 10

// HTTPVerifier delegates verification to an external identity service.
//
// It POSTs {"token": credential} and expects 200 {"subject_id": "..."}. 401 and 403 mean
// the credential was rejected; anything else, including network errors and timeouts,
// means the service is unavailable.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	SubjectID string `json:"subject_id"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (string, error) {
	payload, err := json.Marshal(verifyRequest{Token: credential})
	if err != nil {
		return "", fmt.Errorf("encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifierResponse))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrVerifierUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: identity provider returned %d", ErrInvalidCredential, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: identity provider returned %d", ErrVerifierUnavailable, resp.StatusCode)
	}

	var decoded verifyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrVerifierUnavailable, err)
	}
	return decoded.SubjectID, nil
}
