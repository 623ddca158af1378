package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

// ValidationResult 单个字段的验证结果
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationReport 验证报告
type ValidationReport struct {
	Valid     bool                         `json:"valid"`
	Results   map[string]*ValidationResult `json:"results"`
	Summary   ValidationSummary            `json:"summary"`
	Timestamp time.Time                    `json:"timestamp"`
}

// ValidationSummary 验证摘要
type ValidationSummary struct {
	TotalFields   int `json:"total_fields"`
	InvalidFields int `json:"invalid_fields"`
	TotalErrors   int `json:"total_errors"`
	TotalWarnings int `json:"total_warnings"`
}

// ValidationRule checks one field. Applies gates rules that only matter for
// some backends.
type ValidationRule struct {
	Field   string
	Applies func(c *Config) bool
	Check   func(c *Config) *ValidationResult
}

// Validator 配置验证器
type Validator struct {
	rules  []ValidationRule
	logger *log.Logger
}

// NewValidator returns a validator loaded with the built-in rules.
func NewValidator() *Validator {
	return &Validator{
		rules:  builtinRules(),
		logger: log.New(os.Stdout, "[CONFIG-VALIDATOR] ", log.LstdFlags),
	}
}

// AddRule appends a custom rule.
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
}

// ValidateConfig runs every applicable rule.
func (v *Validator) ValidateConfig(c *Config) *ValidationReport {
	report := &ValidationReport{
		Valid:     true,
		Results:   make(map[string]*ValidationResult),
		Timestamp: time.Now(),
	}
	for _, rule := range v.rules {
		if rule.Applies != nil && !rule.Applies(c) {
			continue
		}
		res := rule.Check(c)
		if prev, ok := report.Results[rule.Field]; ok {
			res = &ValidationResult{
				Valid:    prev.Valid && res.Valid,
				Errors:   append(prev.Errors, res.Errors...),
				Warnings: append(prev.Warnings, res.Warnings...),
			}
		}
		report.Results[rule.Field] = res
	}
	for _, res := range report.Results {
		report.Summary.TotalFields++
		if !res.Valid {
			report.Valid = false
			report.Summary.InvalidFields++
		}
		report.Summary.TotalErrors += len(res.Errors)
		report.Summary.TotalWarnings += len(res.Warnings)
	}
	v.logger.Printf("validation finished: valid=%v errors=%d warnings=%d",
		report.Valid, report.Summary.TotalErrors, report.Summary.TotalWarnings)
	return report
}

// Err joins every error of the report, or returns nil.
func (r *ValidationReport) Err() error {
	var errs []string
	for _, field := range r.fields() {
		for _, e := range r.Results[field].Errors {
			errs = append(errs, field+": "+e)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
}

// GetFormattedReport 格式化输出验证报告
func (r *ValidationReport) GetFormattedReport() string {
	var b strings.Builder
	b.WriteString("\n=== Config validation ===\n")
	fmt.Fprintf(&b, "time: %s\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "valid: %v (fields %d, invalid %d, warnings %d)\n",
		r.Valid, r.Summary.TotalFields, r.Summary.InvalidFields, r.Summary.TotalWarnings)
	for _, field := range r.fields() {
		res := r.Results[field]
		status := "✓"
		if !res.Valid {
			status = "✗"
		}
		fmt.Fprintf(&b, "%s %s\n", status, field)
		for _, e := range res.Errors {
			fmt.Fprintf(&b, "  error: %s\n", e)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "  warning: %s\n", w)
		}
	}
	return b.String()
}

func (r *ValidationReport) fields() []string {
	names := make([]string, 0, len(r.Results))
	for name := range r.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate 校验配置，返回合并后的错误
func (c *Config) Validate() error {
	return NewValidator().ValidateConfig(c).Err()
}

func ok() *ValidationResult { return &ValidationResult{Valid: true} }

func fail(format string, args ...any) *ValidationResult {
	return &ValidationResult{Errors: []string{fmt.Sprintf(format, args...)}}
}

func warn(format string, args ...any) *ValidationResult {
	return &ValidationResult{Valid: true, Warnings: []string{fmt.Sprintf(format, args...)}}
}

func required(name, value string) *ValidationResult {
	if strings.TrimSpace(value) == "" {
		return fail("%s is required", name)
	}
	return ok()
}

func oneOf(name, value string, allowed ...string) *ValidationResult {
	for _, a := range allowed {
		if value == a {
			return ok()
		}
	}
	return fail("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), value)
}

func validURL(name, value string) *ValidationResult {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fail("%s is not a valid URL: %q", name, value)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return warn("%s uses scheme %q", name, u.Scheme)
	}
	return ok()
}

func builtinRules() []ValidationRule {
	return []ValidationRule{
		{Field: "api_key", Check: func(c *Config) *ValidationResult { return required("api_key", c.APIKey) }},
		{Field: "base_url", Check: func(c *Config) *ValidationResult { return validURL("base_url", c.BaseURL) }},
		{Field: "chat_model", Check: func(c *Config) *ValidationResult { return required("chat_model", c.ChatModel) }},
		{Field: "embedder", Check: func(c *Config) *ValidationResult {
			return oneOf("embedder", c.Embedder, "openai", "onnx")
		}},
		{Field: "embedding_model", Applies: func(c *Config) bool { return c.Embedder == "openai" },
			Check: func(c *Config) *ValidationResult { return required("embedding_model", c.EmbeddingModel) }},
		{Field: "onnx.embedding_model", Applies: func(c *Config) bool { return c.Embedder == "onnx" },
			Check: func(c *Config) *ValidationResult {
				if r := required("onnx.embedding_model", c.ONNX.EmbeddingModel); !r.Valid {
					return r
				}
				return required("onnx.embedding_tokenizer", c.ONNX.EmbeddingTokenizer)
			}},
		{Field: "vision_scorer", Check: func(c *Config) *ValidationResult {
			return oneOf("vision_scorer", c.VisionScorer, "none", "clip")
		}},
		{Field: "onnx.clip", Applies: func(c *Config) bool { return c.VisionScorer == "clip" },
			Check: func(c *Config) *ValidationResult {
				if r := required("onnx.clip_vision_model", c.ONNX.ClipVisionModel); !r.Valid {
					return r
				}
				if r := required("onnx.clip_text_model", c.ONNX.ClipTextModel); !r.Valid {
					return r
				}
				return required("onnx.clip_tokenizer", c.ONNX.ClipTokenizer)
			}},
		{Field: "asr", Check: func(c *Config) *ValidationResult {
			return oneOf("asr", c.ASR, "whisper-api", "local-whisper")
		}},
		{Field: "ocr", Check: func(c *Config) *ValidationResult { return oneOf("ocr", c.OCR, "tesseract", "none") }},
		{Field: "index_backend", Check: func(c *Config) *ValidationResult {
			return oneOf("index_backend", c.IndexBackend, "flat", "milvus")
		}},
		{Field: "milvus.address", Applies: func(c *Config) bool { return c.IndexBackend == "milvus" },
			Check: func(c *Config) *ValidationResult { return required("milvus.address", c.Milvus.Address) }},
		{Field: "bundle_store", Check: func(c *Config) *ValidationResult {
			return oneOf("bundle_store", c.BundleStore, "file", "pgvector", "s3")
		}},
		{Field: "postgres_url", Applies: func(c *Config) bool { return c.BundleStore == "pgvector" },
			Check: func(c *Config) *ValidationResult { return required("postgres_url", c.PostgresURL) }},
		{Field: "s3.bucket", Applies: func(c *Config) bool { return c.BundleStore == "s3" },
			Check: func(c *Config) *ValidationResult { return required("s3.bucket", c.S3.Bucket) }},
		{Field: "frame_size", Check: func(c *Config) *ValidationResult {
			if c.FrameWidth%2 != 0 || c.FrameHeight%2 != 0 {
				return fail("frame_width and frame_height must be even, got %dx%d", c.FrameWidth, c.FrameHeight)
			}
			return ok()
		}},
		{Field: "det_threshold", Check: func(c *Config) *ValidationResult {
			if c.DETThreshold >= 1 {
				return fail("det_threshold must be below 1, got %g", c.DETThreshold)
			}
			return ok()
		}},
		{Field: "gpu_type", Applies: func(c *Config) bool { return c.GPUAcceleration },
			Check: func(c *Config) *ValidationResult {
				return oneOf("gpu_type", strings.ToLower(c.GPUType), "auto", "nvidia", "cuda", "amd", "opencl", "intel", "qsv", "vaapi", "videotoolbox", "cpu")
			}},
	}
}
