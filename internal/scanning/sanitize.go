package scanning

import (
	"math"
	"time"
)

const unknownItemName = "unknown"

// dateLayouts are the ISO 8601 forms accepted for the receipt date
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
}

// sanitizeResult coerces the decoded model payload into an OcrResult.
// Every field falls back to its default independently.
func sanitizeResult(raw map[string]any) *OcrResult {
	return &OcrResult{
		StoreName:     stringOrNil(raw["store_name"]),
		Date:          dateOrNil(raw["date"]),
		Items:         sanitizeItems(raw["items"]),
		Subtotal:      intOrNil(raw["subtotal"]),
		Tax:           intOrNil(raw["tax"]),
		Total:         intOrNil(raw["total"]),
		PaymentMethod: stringOrNil(raw["payment_method"]),
		Confidence:    confidence(raw["confidence"]),
	}
}

func sanitizeItems(v any) []LineItem {
	entries, ok := v.([]any)
	if !ok {
		return []LineItem{}
	}
	items := make([]LineItem, 0, len(entries))
	for _, entry := range entries {
		// Non-object entries still produce an item, with every field defaulted
		obj, _ := entry.(map[string]any)
		items = append(items, sanitizeItem(obj))
	}
	return items
}

func sanitizeItem(raw map[string]any) LineItem {
	item := LineItem{
		Name:      unknownItemName,
		Quantity:  1,
		UnitPrice: intOr(raw["unit_price"], 0),
		Subtotal:  intOr(raw["subtotal"], 0),
	}
	if name, ok := raw["name"].(string); ok {
		item.Name = name
	}
	if qty, ok := roundInt(raw["quantity"]); ok && qty >= 0 {
		item.Quantity = qty
	}
	return item
}

func stringOrNil(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func dateOrNil(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return &s
		}
	}
	return nil
}

func intOrNil(v any) *int64 {
	n, ok := roundInt(v)
	if !ok {
		return nil
	}
	return &n
}

func intOr(v any, def int64) int64 {
	if n, ok := roundInt(v); ok {
		return n
	}
	return def
}

func confidence(v any) float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || f < 0 || f > 1 {
		return 0
	}
	return f
}

// roundInt rounds a decoded JSON number to the nearest integer, halves toward +Inf
func roundInt(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	r := math.Floor(f)
	if f-r >= 0.5 {
		r++
	}
	if r < math.MinInt64 || r >= math.MaxInt64 {
		return 0, false
	}
	return int64(r), true
}
