package receipt

import (
	"time"

	"github.com/zombor/receipt-scanner/internal/scanning"
)

// Item is a line item stored with a receipt
type Item struct {
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"` // Yen
	Subtotal  int64  `json:"subtotal"`   // Yen
	SortOrder int    `json:"sort_order"`
}

// Receipt represents a saved receipt. Amounts are whole yen.
type Receipt struct {
	ID             string              `json:"id"`
	StoreName      *string             `json:"store_name"`
	Date           *string             `json:"date"` // ISO 8601 format
	Items          []Item              `json:"items"`
	Subtotal       *int64              `json:"subtotal"`
	Tax            *int64              `json:"tax"`
	Total          *int64              `json:"total"`
	PaymentMethod  *string             `json:"payment_method"`
	ImageURL       *string             `json:"image_url"`
	OcrConfidence  *float64            `json:"ocr_confidence"`
	OcrRawResponse *scanning.OcrResult `json:"ocr_raw_response,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	DeletedAt      *time.Time          `json:"deleted_at"`
}

// ReceiptInput is the editable part of a receipt, as confirmed by the user
type ReceiptInput struct {
	StoreName      *string             `json:"store_name"`
	Date           *string             `json:"date"`
	Items          []Item              `json:"items"`
	Subtotal       *int64              `json:"subtotal"`
	Tax            *int64              `json:"tax"`
	Total          *int64              `json:"total"`
	PaymentMethod  *string             `json:"payment_method"`
	ImageURL       *string             `json:"image_url"`
	OcrConfidence  *float64            `json:"ocr_confidence"`
	OcrRawResponse *scanning.OcrResult `json:"ocr_raw_response,omitempty"`
}

// ListQuery filters and paginates receipts
type ListQuery struct {
	Page      int
	Limit     int
	Search    string
	DateFrom  string
	DateTo    string
	AmountMin *int64
	AmountMax *int64
}

// Pagination describes a page of results
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// ReceiptList is a page of receipts
type ReceiptList struct {
	Receipts   []*Receipt `json:"receipts"`
	Pagination Pagination `json:"pagination"`
}

// ScanResult is the outcome of scanning an uploaded receipt image
type ScanResult struct {
	ImageURL string              `json:"image_url"`
	Result   *scanning.OcrResult `json:"result"`
}
