// Package ingest is the telemetry entry point: it validates one tick per
// request, resolves its session and hands it to the router.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gsi-overlay/backend/internal/gsi"
	"github.com/gsi-overlay/backend/internal/logging"
	"github.com/gsi-overlay/backend/internal/session"
	"github.com/gsi-overlay/backend/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/gsi-overlay/backend/internal/ingest"

// Sessions is the session cache as seen by ingest.
type Sessions interface {
	Get(token string) (*session.Session, bool)
	GetOrCreate(token string, user storage.User) (*session.Session, bool)
	Touch(token string)
}

// Dispatcher routes an accepted tick.
type Dispatcher interface {
	Dispatch(ctx context.Context, snap *gsi.Snapshot)
}

// Result describes a tick that passed validation.
type Result struct {
	Token    string
	Accepted bool // false for out-of-order ticks and disabled sessions
	Created  bool
}

type Handler struct {
	gate     *TokenGate
	sessions Sessions
	router   Dispatcher
	maxBody  int64
	tracer   trace.Tracer
}

func NewHandler(gate *TokenGate, sessions Sessions, router Dispatcher, maxBody int64) *Handler {
	return &Handler{
		gate:     gate,
		sessions: sessions,
		router:   router,
		maxBody:  maxBody,
		tracer:   otel.Tracer(tracerName),
	}
}

// Accept runs one tick body through validation, the session and the
// router. Handlers started by the router outlive ctx's cancellation.
func (h *Handler) Accept(ctx context.Context, body []byte) (Result, error) {
	ctx, span := h.tracer.Start(ctx, "gsi.ingest")
	defer span.End()

	res, err := h.accept(ctx, body)
	span.SetAttributes(
		attribute.String("gsi.token", logging.Redact(res.Token)),
		attribute.Bool("gsi.accepted", res.Accepted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (h *Handler) accept(ctx context.Context, body []byte) (Result, error) {
	snap, err := gsi.Parse(body)
	if err != nil {
		return Result{}, err
	}
	token := snap.Token()
	res := Result{Token: token}
	if token == "" {
		return res, ErrMissingToken
	}

	s, ok := h.sessions.Get(token)
	if !ok {
		user, err := h.gate.Check(ctx, token)
		if err != nil {
			return res, err
		}
		s, res.Created = h.sessions.GetOrCreate(token, user)
		if res.Created {
			log.Printf("[ingest] new session %s", logging.Redact(token))
		}
	}

	h.sessions.Touch(token)
	if !s.Ingest(snap) {
		return res, nil
	}
	res.Accepted = true
	h.router.Dispatch(context.WithoutCancel(ctx), snap)
	return res, nil
}

// StatusCode maps an Accept error to its HTTP status.
func StatusCode(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, gsi.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, ErrValidating):
		return http.StatusTooManyRequests
	}
	return http.StatusServiceUnavailable
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, reqID, fmt.Errorf("read body: %w", err))
		return
	}

	res, err := h.Accept(r.Context(), body)
	if err != nil {
		if StatusCode(err) >= http.StatusInternalServerError {
			log.Printf("[ingest] %s %s: %v", reqID, logging.Redact(res.Token), err)
		}
		writeError(w, reqID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":        true,
		"accepted":  res.Accepted,
		"requestId": reqID,
	})
}

func writeError(w http.ResponseWriter, reqID string, err error) {
	code := StatusCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"ok":        false,
		"error":     err.Error(),
		"requestId": reqID,
	})
}
