package scanning

import (
	"context"
	"strings"
)

// MediaType is an image MIME type accepted by the model API
type MediaType string

const (
	MediaTypeJPEG MediaType = "image/jpeg"
	MediaTypePNG  MediaType = "image/png"
	MediaTypeWebP MediaType = "image/webp"
)

// ParseMediaType normalizes s and reports whether it is a supported image type
func ParseMediaType(s string) (MediaType, bool) {
	mt := MediaType(strings.ToLower(strings.TrimSpace(s)))
	switch mt {
	case MediaTypeJPEG, MediaTypePNG, MediaTypeWebP:
		return mt, true
	}
	return "", false
}

// format returns the subtype, e.g. "jpeg" for image/jpeg
func (m MediaType) format() string {
	return strings.TrimPrefix(string(m), "image/")
}

// LineItem is a single purchased item on a receipt
type LineItem struct {
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

// OcrResult contains the sanitized data extracted from a receipt image.
// Amounts are whole yen.
type OcrResult struct {
	StoreName     *string    `json:"store_name"`
	Date          *string    `json:"date"` // ISO 8601 format
	Items         []LineItem `json:"items"`
	Subtotal      *int64     `json:"subtotal"`
	Tax           *int64     `json:"tax"`
	Total         *int64     `json:"total"`
	PaymentMethod *string    `json:"payment_method"`
	Confidence    float64    `json:"confidence"`
}

// ImageSource is a base64 encoded image
type ImageSource struct {
	MediaType MediaType
	Data      string
}

// MessageRequest is a single multimodal request to the model
type MessageRequest struct {
	Image     ImageSource
	Prompt    string
	MaxTokens int
}

// ContentBlock is one block of a model response
type ContentBlock struct {
	Type string
	Text string
}

// Message is the model response
type Message struct {
	Content []ContentBlock
}

// MessageCreator sends a request to a vision model and returns its response.
// Service-level failures are reported as *APIError.
type MessageCreator interface {
	CreateMessage(ctx context.Context, req *MessageRequest) (*Message, error)
}

// Client is a MessageCreator backed by a closable connection
type Client interface {
	MessageCreator
	Close() error
}
