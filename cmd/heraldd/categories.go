package main

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/herald/config"
	"github.com/xraph/herald/engine"
	"github.com/xraph/herald/job"
)

// LogoRequest asks for a set of logo candidates for a brand.
type LogoRequest struct {
	BrandID  string `json:"brand_id" validate:"required"`
	Prompt   string `json:"prompt" validate:"required,max=2000"`
	Variants int    `json:"variants" validate:"omitempty,min=1,max=8"`
}

// EntityIDs makes logo jobs visible on the brand's entity topic.
func (r LogoRequest) EntityIDs() []string { return []string{r.BrandID} }

// LogoResult lists the generated assets.
type LogoResult struct {
	BrandID string   `json:"brand_id"`
	Assets  []string `json:"assets"`
}

// EmailRequest is a transactional email.
type EmailRequest struct {
	To       string `json:"to" validate:"required,email"`
	Template string `json:"template" validate:"required"`
}

// registerCategories registers the job categories served by this
// process, applying overrides from cfg.
func registerCategories(eng *engine.Engine, cfg *config.Config) error {
	logo := job.NewDefinition("logo-generation", generateLogos,
		job.WithConfig(cfg.Category("logo-generation").Queue("logo-generation")))
	if err := engine.Register(eng, logo); err != nil {
		return err
	}

	email := job.NewDefinition("email-send", sendEmail,
		job.WithConfig(cfg.Category("email-send").Queue("email-send")))
	return engine.Register(eng, email)
}

// generateLogos stands in for the image pipeline. It reports progress
// per variant and stops between variants when cancelled.
func generateLogos(ctx context.Context, req LogoRequest, task job.Task) (any, error) {
	variants := req.Variants
	if variants == 0 {
		variants = 4
	}
	res := LogoResult{BrandID: req.BrandID}
	for i := range variants {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-task.Cancelled():
			return nil, context.Canceled
		case <-time.After(500 * time.Millisecond):
		}
		res.Assets = append(res.Assets, fmt.Sprintf("logos/%s/%s/%d.png", req.BrandID, task.ID(), i))
		task.Report((i+1)*100/variants, fmt.Sprintf("rendered variant %d of %d", i+1, variants))
	}
	return res, nil
}

func sendEmail(ctx context.Context, req EmailRequest, task job.Task) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task.Report(100, "queued for delivery to "+req.To)
	return map[string]string{"template": req.Template}, nil
}
