package workflow

import (
	"context"
	"encoding/json"
)

// Step names of the default pipeline, also the build service step endpoints
const (
	StepDesign   = "design"
	StepPlan     = "plan"
	StepBackend  = "backend"
	StepFrontend = "frontend"
)

// StepInvoker calls a single request/response step on the build service
type StepInvoker interface {
	InvokeStep(ctx context.Context, step string, in Input) (json.RawMessage, error)
}

// DefaultPipeline returns the four-step app pipeline: design, plan and
// backend as request/response calls, then the frontend as a streaming session.
func DefaultPipeline(invoker StepInvoker, frontend StreamSpec) []StepSpec {
	return []StepSpec{
		{Name: StepDesign, Weight: 20, Message: "Designing application architecture", Call: invokeStep(invoker, StepDesign)},
		{Name: StepPlan, Weight: 20, Message: "Planning implementation", Call: invokeStep(invoker, StepPlan)},
		{Name: StepBackend, Weight: 20, Message: "Generating backend services", Call: invokeStep(invoker, StepBackend)},
		{Name: StepFrontend, Weight: 40, Message: "Generating frontend", Stream: &frontend},
	}
}

func invokeStep(invoker StepInvoker, step string) CallFunc {
	return func(ctx context.Context, in Input) (json.RawMessage, error) {
		return invoker.InvokeStep(ctx, step, in)
	}
}
