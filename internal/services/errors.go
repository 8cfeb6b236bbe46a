package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

const errLoggerKey = "err"

// classify wraps err with the error kind of the models package that matches it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	return fmt.Errorf("%w: %w", models.ErrTransport, err)
}

// statusError maps an HTTP failure of the assistant service to an error kind. A 400 that
// mentions a run is how the service reports that a run is still active on the thread.
func statusError(code int, msg string, err error) error {
	var kind error
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		kind = models.ErrAuth
	case code == http.StatusNotFound:
		kind = models.ErrNotFound
	case code == http.StatusConflict:
		kind = models.ErrConflict
	case code == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "run"):
		kind = models.ErrConflict
	case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		kind = models.ErrTransport
	default:
		kind = models.ErrProtocol
	}
	return fmt.Errorf("%w: %w", kind, err)
}
