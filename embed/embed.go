package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	DefaultModel    = "text-embedding-004"
	DefaultOCRModel = "gemini-1.5-flash-latest"

	ocrPrompt = "This is one page of a product catalog. Extract all text on the page accurately and keep its structure where possible. Do not add any commentary, only the text of the page."
)

// FirstKey returns the first entry of a comma-separated key list.
func FirstKey(keys string) string {
	first, _, _ := strings.Cut(keys, ",")
	return strings.TrimSpace(first)
}

type Client struct {
	genai *genai.Client
	model string
}

func New(ctx context.Context, apiKeys, model string) (*Client, error) {
	key := FirstKey(apiKeys)
	if key == "" {
		return nil, errors.New("gemini: no api key")
	}
	if model == "" {
		model = DefaultModel
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini init failed: %w", err)
	}
	return &Client{genai: c, model: model}, nil
}

func (c *Client) Close() error {
	return c.genai.Close()
}

// Embed returns the query embedding for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embed: empty text")
	}
	res, err := c.genai.EmbeddingModel(c.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errors.New("embedding generation returned no values")
	}
	return res.Embedding.Values, nil
}

type Model struct {
	Name            string
	DisplayName     string
	Methods         []string
	InputTokenLimit int32
}

func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var models []Model
	iter := c.genai.ListModels(ctx)
	for {
		m, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return models, fmt.Errorf("list models: %w", err)
		}
		models = append(models, Model{
			Name:            m.Name,
			DisplayName:     m.DisplayName,
			Methods:         m.SupportedGenerationMethods,
			InputTokenLimit: m.InputTokenLimit,
		})
	}
	return models, nil
}

// OCRPage asks Gemini for the text of a single-page PDF.
func (c *Client) OCRPage(ctx context.Context, model string, pagePDF []byte) (string, error) {
	if model == "" {
		model = DefaultOCRModel
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	resp, err := c.genai.GenerativeModel(model).GenerateContent(ctx,
		genai.Text(ocrPrompt),
		genai.Blob{MIMEType: "application/pdf", Data: pagePDF},
	)
	if err != nil {
		return "", fmt.Errorf("gemini error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no text returned from gemini")
	}

	var result strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			result.WriteString(string(t))
		}
	}
	return strings.TrimSpace(result.String()), nil
}
