package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gemini implements MessageCreator using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini client
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetMaxOutputTokens(maxResponseTokens)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// CreateMessage sends the image and prompt to Gemini
func (g *Gemini) CreateMessage(ctx context.Context, req *MessageRequest) (*Message, error) {
	imageData, err := base64.StdEncoding.DecodeString(req.Image.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding image data: %w", err)
	}

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData(req.Image.MediaType.format(), imageData),
		genai.Text(req.Prompt),
	)
	if err != nil {
		return nil, geminiError(err)
	}

	msg := &Message{}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return msg, nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: string(text)})
		}
	}
	return msg, nil
}

// geminiError reports HTTP failures from the Gemini API as *APIError
func geminiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &APIError{Provider: "gemini", StatusCode: gerr.Code, Err: err}
	}
	return fmt.Errorf("generating content: %w", err)
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
