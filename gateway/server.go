package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/gateway/middleware"
	"escrowd/observability/metrics"
)

// Config wires the REST facade.
type Config struct {
	Auth      middleware.AuthConfig
	RateRPS   float64
	RateBurst int
}

// Server is the REST facade over the escrow engine. Unlike the JSON-RPC
// surface, the acting identity is always taken from the verified token
// subject; request bodies never name the caller.
type Server struct {
	engine *escrow.Engine
	auth   *middleware.Authenticator
	limits *middleware.RateLimiter
	logger *slog.Logger
}

func NewServer(engine *escrow.Engine, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		auth:   middleware.NewAuthenticator(cfg.Auth, logger),
		limits: middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, 10*time.Minute),
		logger: logger,
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.limits.Middleware())

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/escrows", func(r chi.Router) {
		r.Use(s.auth.Middleware())
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/dispute", s.handleDispute)
		r.Post("/{id}/resolve", s.handleResolve)
		r.Post("/{id}/refund", s.handleRefund)
	})
	return r
}

// Serve runs the gateway until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type createRequest struct {
	Seller  string `json:"seller"`
	Arbiter string `json:"arbiter"`
	Amount  string `json:"amount"`
}

type resolveRequest struct {
	Recipient string `json:"recipient"`
}

type escrowResponse struct {
	ID          string `json:"id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Disposition string `json:"disposition"`
	Approved    bool   `json:"approved"`
	Disputed    bool   `json:"disputed"`
	Resolved    bool   `json:"resolved"`
	CreatedAt   int64  `json:"createdAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func escrowResponseFrom(l *escrow.Ledger) escrowResponse {
	amount := "0"
	if l.Amount != nil {
		amount = l.Amount.String()
	}
	return escrowResponse{
		ID:          "0x" + hex.EncodeToString(l.ID[:]),
		Buyer:       l.Buyer.String(),
		Seller:      l.Seller.String(),
		Arbiter:     l.Arbiter.String(),
		Amount:      amount,
		Disposition: l.Disposition.String(),
		Approved:    l.Approved,
		Disputed:    l.Disputed(),
		Resolved:    l.Resolved(),
		CreatedAt:   l.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeDomainError(w http.ResponseWriter, err error) {
	metrics.Escrow().ObserveError(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrNoActiveDispute),
		errors.Is(err, escrow.ErrTransferFailed):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidAddress),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidRecipient):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "caller identity required"})
		return crypto.Address{}, false
	}
	return caller, true
}

func ledgerIDFromRequest(r *http.Request) ([32]byte, error) {
	var out [32]byte
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	cleaned := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("escrow id must be 32 bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	buyer, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	seller, err := crypto.DecodeAddress(strings.TrimSpace(body.Seller))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "seller: " + err.Error()})
		return
	}
	arbiter, err := crypto.DecodeAddress(strings.TrimSpace(body.Arbiter))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "arbiter: " + err.Error()})
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(body.Amount), 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid amount"})
		return
	}
	ledger, err := s.engine.Create(buyer, seller, arbiter, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("escrow created", "id", fmt.Sprintf("%x", ledger.ID), "buyer", buyer.String())
	writeJSON(w, http.StatusCreated, escrowResponseFrom(ledger))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := ledgerIDFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	ledger, err := s.engine.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponseFrom(ledger))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "approve", s.engine.Approve)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "dispute", s.engine.Dispute)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "refund", s.engine.Refund)
}

func (s *Server) handleTransition(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	transition func([32]byte, crypto.Address) error,
) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := ledgerIDFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := transition(id, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	ledger, err := s.engine.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("escrow transition applied", "op", name, "id", chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, escrowResponseFrom(ledger))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := ledgerIDFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	recipient, err := crypto.DecodeAddress(strings.TrimSpace(body.Recipient))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recipient: " + err.Error()})
		return
	}
	if err := s.engine.ResolveDispute(id, caller, recipient); err != nil {
		writeDomainError(w, err)
		return
	}
	ledger, err := s.engine.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("escrow dispute resolved", "id", chi.URLParam(r, "id"), "recipient", body.Recipient)
	writeJSON(w, http.StatusOK, escrowResponseFrom(ledger))
}
