package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/report"
	"github.com/sells-group/deep-research/internal/research"
	"github.com/sells-group/deep-research/internal/store"
)

// Handler serves the API.
type Handler struct {
	engine *research.Engine
	store  store.Store
}

// NewHandler creates a handler over the engine and its store.
func NewHandler(engine *research.Engine, st store.Store) *Handler {
	return &Handler{engine: engine, store: st}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req research.StartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	sess, err := h.engine.Start(r.Context(), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Mode:   model.Mode(q.Get("mode")),
		Stage:  model.Stage(q.Get("stage")),
		Status: model.Status(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.ResearchSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	rep, err := h.engine.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	reply, err := h.engine.HandleMessage(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type confirmRequest struct {
	Schema *model.ExtractionSchema `json:"schema,omitempty"`
}

func (h *Handler) ConfirmSchema(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	// An empty body confirms the proposal as is.
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	sess, err := h.engine.ConfirmSchema(r.Context(), chi.URLParam(r, "id"), req.Schema)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	rep, err := h.engine.RunAnalysis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(report.FormatMarkdown)
	}
	format, err := report.ParseFormat(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	rep, err := h.engine.Report(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var sch *model.ExtractionSchema
	if rep.Session.SchemaID != nil {
		if sch, err = h.store.GetSchema(r.Context(), *rep.Session.SchemaID); err != nil {
			writeEngineError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", report.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "report-"+id+"."+string(format)))
	if err := report.Write(w, format, rep, sch); err != nil {
		zap.L().Error("httpapi: export failed", zap.String("session_id", id), zap.Error(err))
	}
}

// taskResponse is what the collector receives on pickup. TaskID is null
// when nothing is waiting.
type taskResponse struct {
	TaskID   *string    `json:"task_id"`
	Query    string     `json:"query,omitempty"`
	Criteria string     `json:"criteria,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Mode     model.Mode `json:"mode,omitempty"`
}

func (h *Handler) NextTask(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.NextTask(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusOK, taskResponse{})
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		TaskID:   &sess.ID,
		Query:    sess.QueryText,
		Criteria: sess.Criteria,
		Limit:    sess.Limit,
		Mode:     sess.Mode,
	})
}

// submittedItem accepts images either as base64 "image" bytes or as an
// "image_base64" string, optionally a data URL.
type submittedItem struct {
	model.RawItem
	ImageBase64 string `json:"image_base64,omitempty"`
}

type resultsRequest struct {
	Items []submittedItem `json:"items"`
}

func (h *Handler) SubmitResults(w http.ResponseWriter, r *http.Request) {
	var req resultsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")

	items := make([]model.RawItem, 0, len(req.Items))
	for i, it := range req.Items {
		item := it.RawItem
		if len(item.Image) == 0 && it.ImageBase64 != "" {
			data, err := decodeImage(it.ImageBase64)
			if err != nil {
				zap.L().Warn("httpapi: dropping undecodable image",
					zap.String("session_id", id),
					zap.Int("item", i),
					zap.String("lot_url", item.URL),
					zap.Error(err),
				)
			} else {
				item.Image = data
			}
		}
		items = append(items, item)
	}

	rep, err := h.engine.SubmitResults(r.Context(), id, items)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx >= 0 {
			s = s[idx+1:]
		}
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
