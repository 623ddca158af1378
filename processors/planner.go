package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"videoQA/core"
)

const maxDETObjects = 5

const plannerPrompt = `You are a helpful assistant, always follow my instructions. To answer the question step by step, you can provide your retrieve request to assist you by the following json format:
{
    "ASR": Optional[str]. The abstract information that people in the video may discuss, or just the summary of the question, in two sentences. If you don't need this information, please return null.
    "DET": Optional[list]. (The output must include only physical entities, not abstract concepts, less than five entities) All the physical entities and their location related to the question you want to retrieve, not abstract concepts. If you don't need this information, please return null.
    "OCR": Optional[list]. The output must be specified as null or a list containing detailed texts in the video that may be relevant to the answer of the question (the information that you want to know more about).
}
## Example 1:
Question: How many blue balloons are over the long table in the middle of the room at the end of this video? A. 1. B. 2. C. 3. D. 4.
Your retrieve can be:
{
    "ASR": "The location and the color of balloons, the number of the blue balloons.",
    "DET": ["blue balloons", "long table"],
    "OCR": null
}
## Example 2:
Question: In the lower left corner of the video, what color is the woman wearing on the right side of the man in black clothes? A. Blue. B. White. C. Red. D. Yellow.
Your retrieve can be:
{
    "ASR": null,
    "DET": ["the man in black", "woman"],
    "OCR": null
}
## Example 3:
Question: In which country is the comedy featured in the video recognized worldwide? A. China. B. UK. C. Germany. D. United States.
Your retrieve can be:
{
    "ASR": "The country recognized worldwide for its comedy.",
    "DET": null,
    "OCR": ["China", "UK", "Germany", "USA"]
}
Note that you don't need to answer the question in this step, so you don't need any information about the video or image. You only need to provide your retrieve request (it's optional), and I will help you retrieve the information you want. Please provide the json format.`

// QueryPlanner asks the language model which modalities to search.
type QueryPlanner struct {
	llm    core.LanguageModel
	logger *log.Logger
}

func NewQueryPlanner(llm core.LanguageModel) *QueryPlanner {
	return &QueryPlanner{llm: llm, logger: log.New(os.Stdout, "[PLANNER] ", log.LstdFlags)}
}

// Plan returns a *core.PlanError when the model output is not a valid plan.
// The question is never answered with a guessed plan.
func (p *QueryPlanner) Plan(ctx context.Context, question string) (core.RetrievalPlan, error) {
	raw, err := p.llm.Complete(ctx, []core.Message{
		{Role: core.RoleSystem, Text: plannerPrompt},
		{Role: core.RoleUser, Text: "Question: " + question},
	})
	if err != nil {
		return core.RetrievalPlan{}, fmt.Errorf("plan: %w", err)
	}
	plan, err := ParsePlan(raw)
	if err != nil {
		p.logger.Printf("rejected plan output: %q", truncate(raw, 200))
		return core.RetrievalPlan{}, err
	}
	p.logger.Printf("plan: asr=%t det=%d ocr=%d", plan.ASRQuery != "", len(plan.DETObjects), len(plan.OCRQueries))
	return plan, nil
}

type wirePlan struct {
	ASR *string  `json:"ASR"`
	DET []string `json:"DET"`
	OCR []string `json:"OCR"`
}

// ParsePlan decodes planner output. Code fences around the JSON are
// ignored; anything else that is not exactly one plan object is rejected.
func ParsePlan(raw string) (core.RetrievalPlan, error) {
	body := stripFence(raw)
	fail := func(err error) (core.RetrievalPlan, error) {
		return core.RetrievalPlan{}, &core.PlanError{Raw: raw, Err: err}
	}
	if !strings.HasPrefix(body, "{") {
		return fail(errors.New("output is not a JSON object"))
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var w wirePlan
	if err := dec.Decode(&w); err != nil {
		return fail(err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fail(errors.New("trailing data after plan object"))
	}

	var plan core.RetrievalPlan
	if w.ASR != nil {
		plan.ASRQuery = strings.TrimSpace(*w.ASR)
	}
	plan.DETObjects = cleanPhrases(w.DET)
	if len(plan.DETObjects) > maxDETObjects {
		plan.DETObjects = plan.DETObjects[:maxDETObjects]
	}
	plan.OCRQueries = cleanPhrases(w.OCR)
	return plan, nil
}

// stripFence removes a leading ``` or ```json line and a trailing ``` marker.
func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimPrefix(s, "JSON")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func cleanPhrases(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// truncate keeps at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
