package facilitator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	x402 "github.com/becomeliminal/x402-facilitator"
)

// Facilitator HTTP API paths.
const (
	PathVerify    = "/v2/x402/verify"
	PathSettle    = "/v2/x402/settle"
	PathSupported = "/v2/x402/supported"
	PathHealth    = "/healthz"
)

const maxRequestBody = 1 << 20

// NewHandler serves f over the facilitator HTTP API. Verification and
// settlement failures are answered with 200 and a structured response;
// 400 is reserved for bodies that cannot be decoded.
func NewHandler(f x402.Facilitator, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{f: f, logger: logger.With("component", "http")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathVerify, s.handleVerify)
	mux.HandleFunc("POST "+PathSettle, s.handleSettle)
	mux.HandleFunc("GET "+PathSupported, s.handleSupported)
	mux.HandleFunc("GET "+PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s.logRequests(mux)
}

type server struct {
	f      x402.Facilitator
	logger *slog.Logger
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	resp, err := s.f.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	resp, err := s.f.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSupported(w http.ResponseWriter, r *http.Request) {
	resp, err := s.f.Supported(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *server) decode(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		s.writeError(w, http.StatusBadRequest, "paymentPayload and paymentRequirements are required")
		return nil, false
	}
	if req.X402Version != 1 && req.X402Version != x402.X402Version {
		s.writeError(w, http.StatusBadRequest, "unsupported x402Version")
		return nil, false
	}
	return &req, true
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
