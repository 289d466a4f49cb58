package review

import (
	"context"
	"fmt"
)

// TemplateGenerator produces deterministic placeholder reviews. It stands in
// for an external model backend when none is configured, which keeps the
// daemon runnable end to end in development.
type TemplateGenerator struct{}

// NewTemplateGenerator creates a template generator
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// GenerateReview implements Generator
func (g *TemplateGenerator) GenerateReview(ctx context.Context, input Input) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Output{
		Summary: fmt.Sprintf("Your %s review for %s is ready.", input.Kind, input.Period),
	}, nil
}
