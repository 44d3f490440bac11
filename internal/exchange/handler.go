package exchange

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/sitenet/internal/ism"
	"github.com/roach88/sitenet/internal/telemetry"
)

// maxBatchBytes bounds the size of one inbound exchange body.
const maxBatchBytes = 32 << 20

// retryAfterSeconds is suggested to senders refused by a full intake.
const retryAfterSeconds = "30"

// Handler serves the exchange endpoint.
type Handler struct {
	intake   *Intake
	replayer *Replayer
	verify   func(*ism.Message) error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRequestVerifier checks the signature of each inbound ReplayRequest
// before it is served. Requests that fail are skipped.
func WithRequestVerifier(v func(*ism.Message) error) HandlerOption {
	return func(h *Handler) {
		h.verify = v
	}
}

// NewHandler returns a handler that queues regular messages on intake and
// answers replay requests with replayer. Either may be nil.
func NewHandler(intake *Intake, replayer *Replayer, opts ...HandlerOption) *Handler {
	h := &Handler{intake: intake, replayer: replayer}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the chi router for the site listener.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/"+EndpointPath, telemetry.Instrument("ismexchange", http.HandlerFunc(h.handleExchange)))
	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())
	return r
}

func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	var batch Batch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBatchBytes)).Decode(&batch); err != nil {
		http.Error(w, "malformed exchange batch: "+err.Error(), http.StatusBadRequest)
		return
	}

	var (
		regular  []*ism.Message
		requests []*ism.Message
	)
	for i, raw := range batch.Messages {
		m, err := ism.Unmarshal(raw)
		if err != nil {
			slog.Warn("undecodable message in exchange",
				"exchange", batch.ExchangeID,
				"from", r.RemoteAddr,
				"index", i,
				"error", err,
			)
			telemetry.Admissions.WithLabelValues("undecodable").Inc()
			continue
		}
		switch {
		case m.Kind() == ism.KindReplayRequest:
			requests = append(requests, m)
		case m.LinkLocal:
			slog.Debug("ignoring link-local message", "kind", m.Kind(), "from", m.SourceSiteID)
		default:
			regular = append(regular, m)
		}
	}

	if len(regular) > 0 {
		if h.intake == nil {
			http.Error(w, "this site does not accept messages", http.StatusForbidden)
			return
		}
		err := h.intake.Offer(Delivery{ExchangeID: batch.ExchangeID, From: r.RemoteAddr, Messages: regular})
		switch {
		case errors.Is(err, ErrIntakeFull):
			telemetry.IntakeRejected.Inc()
			w.Header().Set("Retry-After", retryAfterSeconds)
			http.Error(w, "intake queue is full, retry later", http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	reply := Batch{ExchangeID: batch.ExchangeID, Messages: []json.RawMessage{}}
	if len(requests) > 0 && h.replayer != nil {
		if h.verify != nil {
			requests = h.verified(requests)
		}
		out, err := h.replayer.Serve(r.Context(), requests)
		if err != nil {
			slog.Error("replay failed", "exchange", batch.ExchangeID, "error", err)
			http.Error(w, "replay failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		for _, m := range out {
			reply.Messages = append(reply.Messages, json.RawMessage(m))
		}
	}

	slog.Debug("exchange served",
		"exchange", batch.ExchangeID,
		"from", r.RemoteAddr,
		"received", len(regular),
		"replay_requests", len(requests),
		"replied", len(reply.Messages),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		slog.Error("write exchange reply", "exchange", batch.ExchangeID, "error", err)
	}
}

func (h *Handler) verified(reqs []*ism.Message) []*ism.Message {
	out := reqs[:0]
	for _, m := range reqs {
		if err := h.verify(m); err != nil {
			slog.Warn("replay request failed verification", "from", m.SourceSiteID, "error", err)
			telemetry.Admissions.WithLabelValues("reject").Inc()
			continue
		}
		out = append(out, m)
	}
	return out
}
