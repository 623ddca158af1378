package processors

import (
	"context"
	"log"
	"os"
	"strings"

	"videoQA/core"
)

const (
	answerPreamble = "You are a helpful assistant, always follow my instructions. The users are attempting to ask you some questions relevant to the video. The information about the question is retrieved as follows:\n"
	asrSection     = "Here are some speeches in the video that may include the information you need to answer the question: "
	ocrSection     = "Here are some texts that are included in the video that are retrieved based on the question: "
	answerClosing  = "You got some images in the video that will help you get more information. Read all the information carefully and think step by step, and then answer the question."
)

// Synthesizer builds the grounded prompt and runs one generation per call.
type Synthesizer struct {
	llm    core.LanguageModel
	logger *log.Logger
}

func NewSynthesizer(llm core.LanguageModel) *Synthesizer {
	return &Synthesizer{llm: llm, logger: log.New(os.Stdout, "[SYNTHESIZER] ", log.LstdFlags)}
}

// BuildMessages returns the system instruction followed by a user turn that
// carries the grounding frames, in order, and the question.
func BuildMessages(question string, g *core.GroundingBundle) []core.Message {
	var sb strings.Builder
	sb.WriteString(answerPreamble)
	if g.ASRText != "" {
		sb.WriteString(asrSection + g.ASRText + "\n")
	}
	if g.OCRText != "" {
		sb.WriteString(ocrSection + g.OCRText + "\n")
	}
	sb.WriteString(answerClosing)

	frames := g.Frames
	if len(frames) > core.MaxGroundingFrames {
		frames = frames[:core.MaxGroundingFrames]
	}
	return []core.Message{
		{Role: core.RoleSystem, Text: sb.String()},
		{Role: core.RoleUser, Text: "Question: " + question, Images: frames},
	}
}

func (s *Synthesizer) Synthesize(ctx context.Context, question string, g *core.GroundingBundle) (string, error) {
	s.logger.Printf("generating answer with %d frames", len(g.Frames))
	return s.llm.Complete(ctx, BuildMessages(question, g))
}

// SynthesizeStream returns increments as the model produces them. The caller
// owns the stream and must Close it.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, question string, g *core.GroundingBundle) (*core.AnswerStream, error) {
	s.logger.Printf("streaming answer with %d frames", len(g.Frames))
	return s.llm.Stream(ctx, BuildMessages(question, g))
}
