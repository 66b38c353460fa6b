package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-scanner/internal/imaging"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

const (
	// MaxImageSize bounds the base64 image accepted by ScanImage (~3.75MB decoded)
	MaxImageSize = 5 * 1024 * 1024

	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
)

// Extractor extracts receipt data from a base64 encoded image
type Extractor interface {
	ExtractWithRetry(ctx context.Context, imageBase64 string, mediaType scanning.MediaType, maxRetries int) (*scanning.OcrResult, error)
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service handles receipt operations
type Service struct {
	db          DB
	extractor   Extractor
	storage     Storage
	maxRetries  int
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, extractor Extractor, storage Storage, maxRetries int) *Service {
	return NewServiceWithDeps(db, extractor, storage, maxRetries, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, extractor Extractor, storage Storage, maxRetries int, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		extractor:   extractor,
		storage:     storage,
		maxRetries:  maxRetries,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

func validationError(message string) *scanning.Error {
	return scanning.NewError(scanning.CodeValidation, message)
}

// ScanImage extracts receipt data from a base64 encoded JPEG, PNG or WebP image
func (s *Service) ScanImage(ctx context.Context, image string, mimeType string) (*scanning.OcrResult, error) {
	if image == "" || mimeType == "" {
		return nil, validationError("Image data and MIME type are required.")
	}
	mediaType, ok := scanning.ParseMediaType(mimeType)
	if !ok {
		return nil, validationError("Unsupported image format. JPEG, PNG and WebP are supported.")
	}
	if len(image) > MaxImageSize {
		return nil, validationError("The image is too large.")
	}

	return s.extractor.ExtractWithRetry(ctx, image, mediaType, s.maxRetries)
}

// ScanUpload normalizes an uploaded file, stores it and extracts receipt data from it
func (s *Service) ScanUpload(ctx context.Context, filename string, data []byte, contentType string) (*ScanResult, error) {
	img, err := imaging.Normalize(data, contentType)
	if err != nil {
		slog.Warn("Failed to normalize upload",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		switch {
		case errors.Is(err, imaging.ErrTooLarge):
			return nil, validationError("The file is too large. Maximum size is 10MB and 50 megapixels.")
		case errors.Is(err, imaging.ErrUnsupportedFormat):
			return nil, validationError("Unsupported image format. JPEG, PNG, WebP, HEIC and PDF are supported.")
		}
		return nil, &scanning.Error{Code: scanning.CodeValidation, Message: "The image could not be read.", Err: err}
	}

	key, err := s.storage.Save(s.idGenerator.Generate()+".jpg", img.Data)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}

	result, err := s.extractor.ExtractWithRetry(ctx, base64.StdEncoding.EncodeToString(img.Data), scanning.MediaType(img.MediaType), s.maxRetries)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"filename", filename,
			"code", scanning.CodeOf(err),
			"error", err,
		)
		// Clean up the saved image since scanning failed
		if delErr := s.storage.Delete(key); delErr != nil {
			slog.Warn("Failed to delete image", "key", key, "error", delErr)
		}
		return nil, err
	}

	return &ScanResult{ImageURL: key, Result: result}, nil
}

func validateInput(input *ReceiptInput) error {
	if input.Date != nil && *input.Date != "" {
		if _, err := time.Parse("2006-01-02", *input.Date); err != nil {
			return validationError("The date must be in YYYY-MM-DD format.")
		}
	}
	for _, item := range input.Items {
		if strings.TrimSpace(item.Name) == "" {
			return validationError("Every item needs a name.")
		}
	}
	return nil
}

// orderItems assigns sort order by position
func orderItems(items []Item) []Item {
	ordered := make([]Item, len(items))
	for i, item := range items {
		item.SortOrder = i
		ordered[i] = item
	}
	return ordered
}

// CreateReceipt saves a confirmed receipt
func (s *Service) CreateReceipt(input *ReceiptInput) (*Receipt, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	receipt := &Receipt{
		ID:             s.idGenerator.Generate(),
		StoreName:      input.StoreName,
		Date:           input.Date,
		Items:          orderItems(input.Items),
		Subtotal:       input.Subtotal,
		Tax:            input.Tax,
		Total:          input.Total,
		PaymentMethod:  input.PaymentMethod,
		ImageURL:       input.ImageURL,
		OcrConfidence:  input.OcrConfidence,
		OcrRawResponse: input.OcrRawResponse,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	return receipt, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &scanning.Error{Code: scanning.CodeNotFound, Message: scanning.CodeNotFound.Message(), Err: err}
		}
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.DeletedAt != nil {
		return nil, scanning.ErrNotFound
	}
	return receipt, nil
}

// UpdateReceipt replaces the editable fields of a receipt.
// Items are replaced only when input.Items is non-nil.
func (s *Service) UpdateReceipt(id string, input *ReceiptInput) (*Receipt, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	receipt, err := s.GetReceipt(id)
	if err != nil {
		return nil, err
	}

	receipt.StoreName = input.StoreName
	receipt.Date = input.Date
	receipt.Subtotal = input.Subtotal
	receipt.Tax = input.Tax
	receipt.Total = input.Total
	receipt.PaymentMethod = input.PaymentMethod
	if input.Items != nil {
		receipt.Items = orderItems(input.Items)
	}
	receipt.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("updating receipt: %w", err)
	}
	return receipt, nil
}

// DeleteReceipt soft-deletes a receipt. The stored image is kept.
func (s *Service) DeleteReceipt(id string) (*Receipt, error) {
	receipt, err := s.GetReceipt(id)
	if err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	receipt.DeletedAt = &now
	receipt.UpdatedAt = now

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("deleting receipt: %w", err)
	}
	return receipt, nil
}

// GetReceiptImage retrieves the stored image for a receipt
func (s *Service) GetReceiptImage(id string) ([]byte, error) {
	receipt, err := s.GetReceipt(id)
	if err != nil {
		return nil, err
	}
	if receipt.ImageURL == nil || *receipt.ImageURL == "" {
		return nil, scanning.NewError(scanning.CodeNotFound, "This receipt has no image.")
	}

	data, err := s.storage.Get(*receipt.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("getting receipt image: %w", err)
	}
	return data, nil
}

// normalize clamps paging parameters to their allowed ranges
func (q ListQuery) normalize() ListQuery {
	if q.Page < 1 {
		q.Page = defaultPage
	}
	if q.Limit < 1 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

func (q ListQuery) matches(r *Receipt) bool {
	if r.DeletedAt != nil {
		return false
	}
	if q.Search != "" {
		if r.StoreName == nil || !strings.Contains(strings.ToLower(*r.StoreName), strings.ToLower(q.Search)) {
			return false
		}
	}
	if q.DateFrom != "" && (r.Date == nil || *r.Date < q.DateFrom) {
		return false
	}
	if q.DateTo != "" && (r.Date == nil || *r.Date > q.DateTo) {
		return false
	}
	if q.AmountMin != nil && (r.Total == nil || *r.Total < *q.AmountMin) {
		return false
	}
	if q.AmountMax != nil && (r.Total == nil || *r.Total > *q.AmountMax) {
		return false
	}
	return true
}

// ListReceipts returns one page of matching receipts, newest receipt date first
func (s *Service) ListReceipts(query ListQuery) (*ReceiptList, error) {
	query = query.normalize()

	all, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	matched := make([]*Receipt, 0, len(all))
	for _, r := range all {
		if query.matches(r) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		ad, bd := dateKey(a), dateKey(b)
		if ad != bd {
			return ad > bd
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	total := len(matched)
	// Page can be arbitrarily large; only multiply once it is known to be in range.
	start := total
	if query.Page-1 <= total/query.Limit {
		start = min((query.Page-1)*query.Limit, total)
	}
	end := min(start+query.Limit, total)

	return &ReceiptList{
		Receipts: matched[start:end],
		Pagination: Pagination{
			Page:       query.Page,
			Limit:      query.Limit,
			Total:      total,
			TotalPages: (total + query.Limit - 1) / query.Limit,
		},
	}, nil
}

// dateKey sorts receipts without a date after dated ones
func dateKey(r *Receipt) string {
	if r.Date == nil {
		return ""
	}
	return *r.Date
}
