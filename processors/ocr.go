package processors

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	"videoQA/core"
)

// TesseractOCR shells out to the tesseract CLI. PSM 11 finds sparse text,
// which suits captions and signs in video frames.
type TesseractOCR struct {
	Language string
	PSM      int
}

func (t TesseractOCR) Detect(ctx context.Context, frame core.Frame) ([]string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame.Image()); err != nil {
		return nil, err
	}
	lang := t.Language
	if lang == "" {
		lang = "eng"
	}
	psm := t.PSM
	if psm == 0 {
		psm = 11
	}
	cmd := exec.CommandContext(ctx, "tesseract", "stdin", "stdout", "-l", lang, "--psm", strconv.Itoa(psm))
	cmd.Stdin = &buf
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return textLines(out), nil
}

// textLines returns the trimmed non-empty lines of OCR output.
func textLines(out []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// NoOCR detects nothing.
type NoOCR struct{}

func (NoOCR) Detect(context.Context, core.Frame) ([]string, error) { return nil, nil }
