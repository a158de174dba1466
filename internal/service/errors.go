package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ProviderStatusError is a non-2xx answer from an HTTP provider.
type ProviderStatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s API returned HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s API returned HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// retryableStatus reports HTTP statuses where the provider refused the call
// without doing the work.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isTransient reports whether an embedding failure is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *ProviderStatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode) || statusErr.StatusCode == http.StatusInternalServerError
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode) || apiErr.HTTPStatusCode == http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode) || reqErr.HTTPStatusCode == http.StatusInternalServerError
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return retryableStatus(gErr.Code) || gErr.Code == http.StatusInternalServerError
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
