package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/wire"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeMsgpack = "application/msgpack"

	EvaluationIDHeader = "X-Evaluation-ID"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, r, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	wreq, err := wire.DecodeRequest(bytes.NewReader(body))
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := wreq.ToEngine()
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.engine.Evaluate(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("evaluation failed")
		}
		writeError(w, r, err.Error(), status)
		return
	}

	zerolog.Ctx(r.Context()).Debug().
		Str("evaluation_id", res.ID.String()).
		Str("domain", req.Domain).
		Str("dmarc", string(res.DMARC.Disposition)).
		Msg("evaluated")

	w.Header().Set(EvaluationIDHeader, res.ID.String())
	if s.authservID != "" {
		w.Header().Set("Authentication-Results", res.AuthenticationResults(s.authservID))
	}

	resp := wire.FromResult(res)
	if wantsMsgpack(r) {
		data, err := resp.MarshalMsg(nil)
		if err != nil {
			writeError(w, r, "encoding response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeMsgpack)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, r, resp, http.StatusOK)
}

// statusFor maps an evaluation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case mailauth.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, mailauth.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func wantsMsgpack(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case contentTypeMsgpack, "application/x-msgpack":
			return true
		case contentTypeJSON:
			return false
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to write json response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, msg string, status int) {
	writeJSON(w, r, ErrorResponse{
		Error:         msg,
		CorrelationID: CorrelationID(r.Context()),
	}, status)
}
