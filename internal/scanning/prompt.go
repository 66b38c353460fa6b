package scanning

const maxResponseTokens = 1024

// receiptExtractionPrompt is the shared prompt used by all model providers for scanning receipts
const receiptExtractionPrompt = `Extract the following information from this receipt image and return it as JSON.
Use null for any field you cannot read.

Output JSON format:
{
  "store_name": "Store name",
  "date": "YYYY-MM-DD",
  "items": [
    {
      "name": "Item name",
      "quantity": quantity (integer),
      "unit_price": unit price (integer, yen),
      "subtotal": line subtotal (integer, yen)
    }
  ],
  "subtotal": total before tax (integer, yen),
  "tax": consumption tax (integer, yen),
  "total": total including tax (integer, yen),
  "payment_method": "Payment method",
  "confidence": overall reading confidence (decimal between 0.0 and 1.0)
}

Important:
- All amounts must be integers in yen
- The date must be in ISO 8601 format (YYYY-MM-DD)
- If an item's quantity is not shown, use 1
- If the payment method is unknown, use null
- Base confidence on the clarity of the image and how accurately it could be read
- Do not output any text other than the JSON`

// BuildRequest composes the model request for a base64 encoded receipt image
func BuildRequest(imageBase64 string, mediaType MediaType) *MessageRequest {
	return &MessageRequest{
		Image: ImageSource{
			MediaType: mediaType,
			Data:      imageBase64,
		},
		Prompt:    receiptExtractionPrompt,
		MaxTokens: maxResponseTokens,
	}
}
