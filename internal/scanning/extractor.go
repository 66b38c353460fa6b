package scanning

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultBackoffUnit is the base retry interval
const DefaultBackoffUnit = time.Second

// Sleeper waits between extraction attempts
type Sleeper interface {
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

// timerSleeper waits on a real timer
type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Extractor turns receipt images into OcrResults using a vision model
type Extractor struct {
	client      MessageCreator
	sleeper     Sleeper
	backoffUnit time.Duration
}

// ExtractorOption configures an Extractor
type ExtractorOption func(*Extractor)

// WithSleeper replaces the real-time sleeper, mainly for tests
func WithSleeper(s Sleeper) ExtractorOption {
	return func(e *Extractor) {
		e.sleeper = s
	}
}

// WithBackoffUnit sets the base backoff interval. Attempt k waits (k+1) units.
func WithBackoffUnit(d time.Duration) ExtractorOption {
	return func(e *Extractor) {
		e.backoffUnit = d
	}
}

// NewExtractor creates an Extractor around a model client
func NewExtractor(client MessageCreator, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		client:      client,
		sleeper:     timerSleeper{},
		backoffUnit: DefaultBackoffUnit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract performs a single attempt: build the request, call the model, parse the response.
// Errors are returned unclassified.
func (e *Extractor) Extract(ctx context.Context, imageBase64 string, mediaType MediaType) (*OcrResult, error) {
	msg, err := e.client.CreateMessage(ctx, BuildRequest(imageBase64, mediaType))
	if err != nil {
		return nil, err
	}
	return ParseResponse(msg)
}

// ExtractWithRetry runs up to maxRetries+1 attempts with linear backoff.
// The final failure is returned as an *Error; earlier failures are discarded.
func (e *Extractor) ExtractWithRetry(ctx context.Context, imageBase64 string, mediaType MediaType, maxRetries int) (*OcrResult, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, wrapError(CodeOCRFailed, err)
		}

		result, err := e.Extract(ctx, imageBase64, mediaType)
		if err == nil {
			return result, nil
		}
		if attempt >= maxRetries {
			return nil, classify(err)
		}

		backoff := time.Duration(attempt+1) * e.backoffUnit
		slog.Warn("Receipt extraction attempt failed",
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"backoff", backoff,
			"error", err,
		)
		if err := e.sleeper.Sleep(ctx, backoff); err != nil {
			return nil, wrapError(CodeOCRFailed, err)
		}
	}
}

// classify maps a terminal attempt failure onto the error taxonomy.
// Errors that are already classified are returned as-is.
func classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited() {
			return wrapError(CodeRateLimited, err)
		}
		return wrapError(CodeAPI, err)
	}

	return wrapError(CodeOCRFailed, err)
}
