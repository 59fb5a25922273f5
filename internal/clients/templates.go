package clients

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RenderedTemplate is the template service's rendering result.
type RenderedTemplate struct {
	Subject string `json:"rendered_subject"`
	Body    string `json:"rendered_body"`
}

// Templates renders templates through the template service.
type Templates struct {
	client  *serviceClient
	baseURL string
	logger  *zap.Logger
}

// NewTemplates creates a template service client.
func NewTemplates(baseURL string, cfg Config, logger *zap.Logger) *Templates {
	return &Templates{
		client:  newServiceClient(cfg, logger),
		baseURL: baseURL,
		logger:  logger,
	}
}

type renderRequest struct {
	TemplateCode string         `json:"template_code"`
	Language     string         `json:"language"`
	Variables    map[string]any `json:"variables"`
}

// Render resolves a template code and language against the given
// variables.
func (t *Templates) Render(ctx context.Context, code, language string, variables map[string]any) (*RenderedTemplate, error) {
	url := fmt.Sprintf("%s/api/v1/service/templates/render", t.baseURL)

	var rendered RenderedTemplate
	err := t.client.do(ctx, "POST", url, renderRequest{
		TemplateCode: code,
		Language:     language,
		Variables:    variables,
	}, &rendered)
	if err != nil {
		return nil, err
	}

	return &rendered, nil
}
