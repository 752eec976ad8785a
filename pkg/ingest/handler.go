package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/jkristoffer/bs-display-analytics/pkg/codec"
	"github.com/jkristoffer/bs-display-analytics/pkg/httpx"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/metrics"
)

// EncodingLZ4 is the Content-Encoding for LZ4-framed bodies
const EncodingLZ4 = "lz4"

var errBodyTooLarge = errors.New("request body too large")

// Handler handles analytics ingestion
type Handler struct {
	writer  *Writer
	timeout time.Duration
	log     zerolog.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(writer *Writer, timeout time.Duration) *Handler {
	return &Handler{
		writer:  writer,
		timeout: timeout,
		log:     logging.Component("ingest"),
	}
}

// HandleIngest handles POST /api/analytics/ingest.
//
// Malformed or over-limit payloads get a 400. Store failures still answer
// 200 "error" so clients do not retry a flush that may have partly landed.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		metrics.IngestRequests.WithLabelValues("invalid").Inc()
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid data: "+err.Error())
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.IngestRequests.WithLabelValues("invalid").Inc()
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := ValidatePayload(&payload); err != nil {
		metrics.IngestRequests.WithLabelValues("invalid").Inc()
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	merged, err := h.writer.Write(ctx, &payload)
	metrics.IngestAggregates.Add(float64(merged))
	if err != nil {
		metrics.IngestRequests.WithLabelValues("store_error").Inc()
		h.log.Error().Err(err).Str("session", payload.SessionID).Int("merged", merged).Msg("Analytics ingest failed")
		httpx.RespondText(w, http.StatusOK, "error")
		return
	}

	metrics.IngestRequests.WithLabelValues("ok").Inc()
	httpx.RespondText(w, http.StatusOK, "ok")
}

// readBody reads at most MaxBodyBytes, inflating LZ4 bodies first
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var src io.Reader = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), EncodingLZ4) {
		src = codec.NewReader(src)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(src, MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if n > MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return buf.Bytes(), nil
}
