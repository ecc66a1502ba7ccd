package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ollama/ollama/api"
)

var (
	// ErrConnection means the provider could not be reached
	ErrConnection = errors.New("cannot connect to model provider")
	// ErrAuthentication means the provider rejected or lacked an API key
	ErrAuthentication = errors.New("invalid or missing api key")
	// ErrUnknownProvider means no provider is registered for the model prefix
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEmptyResponse means the provider answered without any text
	ErrEmptyResponse = errors.New("empty response from provider")
)

// classify tags provider errors with ErrConnection or ErrAuthentication
// so callers can map them to HTTP statuses.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrConnection) || errors.Is(err, ErrAuthentication) {
		return err
	}

	// A slow model is a provider failure, not an unreachable one
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return err
	}

	// SDK errors only expose the status in their message text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication_error"),
		strings.Contains(msg, "invalid x-api-key"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "status code: 401"),
		strings.Contains(msg, "status code 401"):
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return err
}
