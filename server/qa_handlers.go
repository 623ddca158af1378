package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"runtime"
	"time"

	"videoQA/core"
)

// QAService is what the handlers need from the question-answering pipeline.
type QAService interface {
	Load(ctx context.Context, videoPath string) (*core.LoadStatus, error)
	Ask(ctx context.Context, question string) (string, error)
	AskStream(ctx context.Context, question string) (*core.AnswerStream, error)
	Status() *core.LoadStatus
}

// QAHandlers 问答相关的HTTP处理器
type QAHandlers struct {
	qa        QAService
	startTime time.Time
	logger    *log.Logger
}

// NewQAHandlers 创建问答处理器实例
func NewQAHandlers(qa QAService) *QAHandlers {
	return &QAHandlers{
		qa:        qa,
		startTime: time.Now(),
		logger:    log.New(os.Stdout, "[HTTP] ", log.LstdFlags),
	}
}

// Register mounts every route on mux.
func (h *QAHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/load", h.LoadHandler)
	mux.HandleFunc("/ask", h.AskHandler)
	mux.HandleFunc("/status", h.StatusHandler)
	mux.HandleFunc("/health", h.HealthCheckHandler)
}

type loadRequest struct {
	VideoPath string `json:"video_path"`
}

type askRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

// LoadHandler indexes or reloads a video.
func (h *QAHandlers) LoadHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req loadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := h.qa.Load(r.Context(), req.VideoPath)
	if err != nil {
		h.writeError(w, "load", err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"message": status.String(),
	})
}

// AskHandler answers a question about the loaded video. With "stream": true
// the answer is written as chunked text/plain; a failure after the first
// byte is reported in the X-Stream-Error trailer.
func (h *QAHandlers) AskHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req askRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Stream {
		answer, err := h.qa.Ask(r.Context(), req.Question)
		if err != nil {
			h.writeError(w, "ask", err)
			return
		}
		core.WriteJSON(w, http.StatusOK, map[string]interface{}{"answer": answer})
		return
	}

	stream, err := h.qa.AskStream(r.Context(), req.Question)
	if err != nil {
		h.writeError(w, "ask", err)
		return
	}
	defer stream.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Trailer", "X-Stream-Error")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	for {
		piece, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			h.logger.Printf("ask stream failed: %v", err)
			w.Header().Set("X-Stream-Error", err.Error())
			return
		}
		if _, err := io.WriteString(w, piece); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// StatusHandler reports the currently loaded video.
func (h *QAHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := h.qa.Status()
	if status == nil {
		core.WriteJSON(w, http.StatusOK, map[string]interface{}{"loaded": false})
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"loaded":  true,
		"status":  status,
		"message": status.String(),
	})
}

// HealthCheckHandler 健康检查处理器
func (h *QAHandlers) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(h.startTime).Seconds(),
		"loaded":    h.qa.Status() != nil,
		"runtime": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"heap_alloc": m.HeapAlloc,
			"go_version": runtime.Version(),
		},
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"error":   "Method not allowed",
		"message": "Only " + method + " method is supported",
	})
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		core.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Invalid request body",
			"message": err.Error(),
		})
		return false
	}
	return true
}

// errorKind maps the error taxonomy onto an HTTP status and a short label
// clients can branch on.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrPlanContract):
		return http.StatusUnprocessableEntity, "plan_contract"
	case core.NeedsReindex(err):
		return http.StatusConflict, "reindex"
	case core.Retryable(err):
		return http.StatusServiceUnavailable, "retry"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *QAHandlers) writeError(w http.ResponseWriter, op string, err error) {
	status, kind := errorKind(err)
	h.logger.Printf("%s failed (%s): %v", op, kind, err)
	core.WriteJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"kind":  kind,
	})
}
