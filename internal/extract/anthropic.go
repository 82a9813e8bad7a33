package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/resilience"
)

const extractionPrompt = `Extract every distinct text region from this document page image.
Respond with ONLY a JSON array, no prose. Each element:
{"x": <left px>, "y": <top px>, "w": <width px>, "h": <height px>, "text": "<content>", "confidence": <0.0-1.0>}
Order elements top-to-bottom, left-to-right.`

// messenger is the slice of the SDK the extractor needs; tests substitute a
// canned implementation.
type messenger interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic extracts blocks with a vision model. All failures surface as
// ErrExtractorUnavailable so the pipeline can substitute the fallback.
type Anthropic struct {
	messages messenger
	model    string
	timeout  time.Duration
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
}

func NewAnthropic(cfg config.ExtractConfig) *Anthropic {
	client := sdk.NewClient(option.WithAPIKey(cfg.AnthropicKey))
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "extract")
	return &Anthropic{
		messages: &client.Messages,
		model:    cfg.AnthropicModel,
		timeout:  timeout,
		retry:    retry,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("extraction provider circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

func (a *Anthropic) Name() string { return model.ExtractorAnthropic }

func (a *Anthropic) Extract(ctx context.Context, page PageInput) ([]Block, error) {
	encoded := base64.StdEncoding.EncodeToString(page.Image)

	msg, err := resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*sdk.Message, error) {
		return resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*sdk.Message, error) {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			return a.messages.New(callCtx, sdk.MessageNewParams{
				Model:     sdk.Model(a.model),
				MaxTokens: 4096,
				Messages: []sdk.MessageParam{
					sdk.NewUserMessage(
						sdk.NewImageBlockBase64("image/png", encoded),
						sdk.NewTextBlock(extractionPrompt),
					),
				},
			})
		})
	})
	if err != nil {
		return nil, eris.Wrap(model.ErrExtractorUnavailable, err.Error())
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}
	blocks, err := parseBlocks(text.String(), page)
	if err != nil {
		zap.L().Warn("vision extraction returned unparseable output",
			zap.String("model", a.model),
			zap.Error(err))
		return nil, eris.Wrap(model.ErrExtractorUnavailable, "unparseable response")
	}
	return blocks, nil
}

type wireBlock struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// parseBlocks decodes the model's JSON array, tolerating code fences, and
// clamps boxes to the page.
func parseBlocks(raw string, page PageInput) ([]Block, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var wire []wireBlock
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, eris.Wrap(err, "extract: decode blocks")
	}

	blocks := make([]Block, 0, len(wire))
	for _, w := range wire {
		if strings.TrimSpace(w.Text) == "" {
			continue
		}
		b := Block{
			Box:        model.BoundingBox{X: w.X, Y: w.Y, Width: w.W, Height: w.H},
			Text:       w.Text,
			Confidence: w.Confidence,
		}
		b.Box = clampBox(b.Box, page.Width, page.Height)
		if b.Confidence <= 0 || b.Confidence > 1 {
			b.Confidence = 0.5
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func clampBox(b model.BoundingBox, width, height int) model.BoundingBox {
	if b.X < 0 {
		b.X = 0
	}
	if b.Y < 0 {
		b.Y = 0
	}
	if b.X > width {
		b.X = width
	}
	if b.Y > height {
		b.Y = height
	}
	if b.Width < 0 {
		b.Width = 0
	}
	if b.Height < 0 {
		b.Height = 0
	}
	if b.X+b.Width > width {
		b.Width = width - b.X
	}
	if b.Y+b.Height > height {
		b.Height = height - b.Y
	}
	return b
}
