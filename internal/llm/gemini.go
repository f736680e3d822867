package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const planSystemPrompt = `You are a patient tutor looking at a student's whiteboard.
Produce a step-by-step plan for the exercise the student describes.
Respond with a single JSON object and nothing else:
{"goal": string, "prerequisites": [string], "commonMistakes": [string],
 "steps": [{"id": string, "title": string, "successCriteria": string, "hintPolicy": "on-request"|"progressive"}]}
Step ids must be short, unique and stable, e.g. "step_1".`

const planStrictSuffix = `
Your previous answer was not valid JSON. Output ONLY the JSON object,
no markdown fences, no commentary.`

const planContinuePrompt = `Your previous response was cut off. Continue the JSON
output exactly where it stopped. Do not repeat what you already produced,
do not add commentary, just continue the raw JSON.`

const tutorSystemPrompt = `You are a tutor guiding a student through the current step
of an exercise drawn on their whiteboard. Be encouraging and concrete.
Do not reveal solutions to later steps. Answer in the student's language.`

const boardSystemPrompt = `You are a helpful assistant looking at a whiteboard capture.
Answer the user's question about what is on the board. Answer in the
user's language.`

// Gemini implements Client on top of genkit's Google AI plugin.
type Gemini struct {
	g     *genkit.Genkit
	model string
}

// NewGemini initializes genkit with the Google AI plugin. The API key is
// read by the plugin from GEMINI_API_KEY / GOOGLE_API_KEY.
func NewGemini(ctx context.Context, model string) (*Gemini, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, fmt.Errorf("initialize genkit")
	}
	return &Gemini{g: g, model: "googleai/" + model}, nil
}

func (c *Gemini) GeneratePlan(ctx context.Context, req PlanRequest) (Completion, error) {
	system := planSystemPrompt
	if req.Strict {
		system += planStrictSuffix
	}
	return c.generate(ctx, system, planUserParts(req), nil)
}

func (c *Gemini) ContinuePlan(ctx context.Context, req PlanRequest, partial string) (Completion, error) {
	parts := planUserParts(req)
	parts = append(parts,
		ai.NewTextPart("Partial output so far:\n"+partial),
		ai.NewTextPart(planContinuePrompt),
	)
	return c.generate(ctx, planSystemPrompt, parts, nil)
}

func (c *Gemini) TutorTurn(ctx context.Context, req TurnRequest, stream StreamFunc) (Completion, error) {
	parts := turnParts(req)
	if req.PlanContext != "" {
		parts = append([]*ai.Part{ai.NewTextPart("Current plan and progress:\n" + req.PlanContext)}, parts...)
	}
	return c.generate(ctx, tutorSystemPrompt, parts, stream)
}

func (c *Gemini) BoardTurn(ctx context.Context, req TurnRequest, stream StreamFunc) (Completion, error) {
	return c.generate(ctx, boardSystemPrompt, turnParts(req), stream)
}

func (c *Gemini) generate(ctx context.Context, system string, parts []*ai.Part, stream StreamFunc) (Completion, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(c.model),
		ai.WithSystem(system),
		ai.WithMessages(ai.NewUserMessage(parts...)),
	}
	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			return stream(chunk.Text())
		}))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return Completion{}, fmt.Errorf("generate: %w", err)
	}
	return Completion{
		Text:      resp.Text(),
		Truncated: resp.FinishReason == ai.FinishReasonLength,
	}, nil
}

func planUserParts(req PlanRequest) []*ai.Part {
	var parts []*ai.Part
	if req.CaptureDataURL != "" {
		parts = append(parts, ai.NewMediaPart(req.CaptureMime, req.CaptureDataURL))
	}
	if len(req.CaptureSummary) > 0 {
		parts = append(parts, ai.NewTextPart("Board contents (structured): "+string(req.CaptureSummary)))
	}
	prompt := req.Prompt
	if req.Locale != "" {
		prompt += "\n(student locale: " + req.Locale + ")"
	}
	parts = append(parts, ai.NewTextPart(strings.TrimSpace(prompt)))
	return parts
}

func turnParts(req TurnRequest) []*ai.Part {
	var parts []*ai.Part
	if req.CaptureDataURL != "" {
		parts = append(parts, ai.NewMediaPart(req.CaptureMime, req.CaptureDataURL))
	}
	prompt := req.Prompt
	if req.Locale != "" {
		prompt += "\n(user locale: " + req.Locale + ")"
	}
	parts = append(parts, ai.NewTextPart(strings.TrimSpace(prompt)))
	return parts
}
