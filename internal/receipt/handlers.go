package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-scanner/internal/imaging"
	"github.com/zombor/receipt-scanner/internal/scanning"
)

const (
	// maxOCRBodySize leaves room for the JSON envelope around a MaxImageSize image
	maxOCRBodySize = MaxImageSize + 64<<10
	// maxFormSize bounds multipart uploads
	maxFormSize = int64(imaging.MaxInputSize + 1<<20)
	// maxReceiptBodySize bounds receipt create/update bodies
	maxReceiptBodySize = 1 << 20
)

type errorBody struct {
	Code    scanning.Code `json:"code"`
	Message string        `json:"message"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

// statusFor maps an error code to its HTTP status
func statusFor(code scanning.Code) int {
	switch code {
	case scanning.CodeValidation:
		return http.StatusBadRequest
	case scanning.CodeUnauthorized:
		return http.StatusUnauthorized
	case scanning.CodeNotFound:
		return http.StatusNotFound
	case scanning.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a classified error. Unclassified errors are reported as internal errors.
func writeError(w http.ResponseWriter, err error) {
	body := &errorBody{Code: scanning.CodeInternal, Message: scanning.CodeInternal.Message()}
	var classified *scanning.Error
	if errors.As(err, &classified) {
		body = &errorBody{Code: classified.Code, Message: classified.Message}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(body.Code))
	if err := json.NewEncoder(w).Encode(envelope{Success: false, Error: body}); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &scanning.Error{Code: scanning.CodeValidation, Message: "The request body is too large.", Err: err}
		}
		return &scanning.Error{Code: scanning.CodeValidation, Message: "The request body is not valid JSON.", Err: err}
	}
	return nil
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ocrRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
}

// handleOCR extracts receipt data from a base64 encoded image
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	var req ocrRequest
	if err := decodeJSON(w, r, maxOCRBodySize, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.service.ScanImage(r.Context(), req.Image, req.MimeType)
	if err != nil {
		slog.Error("Error scanning receipt", "code", scanning.CodeOf(err), "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// contentTypeFromFilename guesses the content type from the file extension
func contentTypeFromFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleUploadReceipt handles a multipart receipt upload and scans it
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form."
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "The file is too large. Maximum size is 10MB."
		}
		writeError(w, scanning.NewError(scanning.CodeValidation, message))
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, scanning.NewError(scanning.CodeValidation, "No file was selected. Please choose a file to upload."))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, err)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFromFilename(header.Filename)
	}

	result, err := s.service.ScanUpload(r.Context(), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// parseListQuery reads filters from the query string, ignoring malformed numbers
func parseListQuery(r *http.Request) ListQuery {
	q := r.URL.Query()
	query := ListQuery{
		Search:   q.Get("search"),
		DateFrom: q.Get("date_from"),
		DateTo:   q.Get("date_to"),
	}
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	if v, err := strconv.ParseInt(q.Get("amount_min"), 10, 64); err == nil {
		query.AmountMin = &v
	}
	if v, err := strconv.ParseInt(q.Get("amount_max"), 10, 64); err == nil {
		query.AmountMax = &v
	}
	return query
}

// handleListReceipts returns one page of receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListReceipts(parseListQuery(r))
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// handleCreateReceipt saves a confirmed receipt
func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var input ReceiptInput
	if err := decodeJSON(w, r, maxReceiptBodySize, &input); err != nil {
		writeError(w, err)
		return
	}

	receipt, err := s.service.CreateReceipt(&input)
	if err != nil {
		slog.Error("Error creating receipt", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         receipt.ID,
		"created_at": receipt.CreatedAt,
	})
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// handleUpdateReceipt replaces the editable fields of a receipt
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var input ReceiptInput
	if err := decodeJSON(w, r, maxReceiptBodySize, &input); err != nil {
		writeError(w, err)
		return
	}

	receipt, err := s.service.UpdateReceipt(r.PathValue("id"), &input)
	if err != nil {
		slog.Error("Error updating receipt", "id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         receipt.ID,
		"updated_at": receipt.UpdatedAt,
	})
}

// handleDeleteReceipt soft-deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.DeleteReceipt(r.PathValue("id"))
	if err != nil {
		slog.Error("Error deleting receipt", "id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         receipt.ID,
		"deleted_at": receipt.DeletedAt.Format(time.RFC3339),
	})
}

// handleGetReceiptImage serves the stored receipt image
func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.GetReceiptImage(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(data); err != nil {
		slog.Error("Error writing image", "error", err)
	}
}
