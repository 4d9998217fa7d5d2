package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"panelflow/arbitrator"
	"panelflow/auth"
	"panelflow/dispute"
	"panelflow/panel"
)

type ctxKey string

const (
	ctxKeyHandle ctxKey = "handle"
	ctxKeyRole   ctxKey = "role"
)

// arbitration is the facade surface the handlers call.
type arbitration interface {
	CreateDispute(ctx context.Context, claimant string, choices int, paid uint64, extra []byte) (int64, error)
	Rule(ctx context.Context, raterHandle string, disputeID int64, verdict int) (dispute.Record, error)
	ArbitrationCost(ctx context.Context) (uint64, error)
	AppealCost(ctx context.Context) uint64
	Appeal(ctx context.Context, id int64) error
	Dispute(ctx context.Context, id int64) (dispute.Record, error)
	SubDisputes(ctx context.Context, id int64) ([]dispute.SubDispute, error)
	AddRater(ctx context.Context, actor, handle string, weight int) (panel.Rater, error)
	ChangeQuota(ctx context.Context, actor string, quota int) error
}

type tokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

type authenticator interface {
	tokenVerifier
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
}

type Server struct {
	arb  arbitration
	auth authenticator
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/cost", s.withAuth(s.handleCost))
	mux.HandleFunc("/api/appeals", s.withAuth(s.handleAppeal))
	mux.HandleFunc("/api/disputes", s.withAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.withAuth(s.handleDisputeDetail))
	mux.HandleFunc("/api/raters", s.withAuth(s.handleRaters))
	mux.HandleFunc("/api/quota", s.withAuth(s.handleQuota))
	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		handle, role, err := s.auth.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyHandle, handle)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

type disputeResponse struct {
	ID        int64  `json:"id"`
	Claimant  string `json:"claimant"`
	Choices   int    `json:"choices"`
	Paid      uint64 `json:"paid"`
	Ruling    int    `json:"ruling"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	SolvedAt  string `json:"solvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:        rec.ID,
		Claimant:  rec.Claimant,
		Choices:   rec.Choices,
		Paid:      rec.Paid,
		Ruling:    rec.Ruling,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.SolvedAt != nil {
		resp.SolvedAt = rec.SolvedAt.Format(time.RFC3339)
	}
	return resp
}

type subDisputeResponse struct {
	Position     int    `json:"position"`
	RaterHandle  string `json:"raterHandle"`
	SubDisputeID int64  `json:"subDisputeId"`
	FeePaid      uint64 `json:"feePaid"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	acc, err := s.auth.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"handle": acc.Handle, "role": acc.Role})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "handle": res.Account.Handle, "role": res.Account.Role})
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cost, err := s.arb.ArbitrationCost(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"arbitrationCost": cost,
		"appealCost":      strconv.FormatUint(s.arb.AppealCost(r.Context()), 10),
	})
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		DisputeID int64 `json:"disputeId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	writeServiceError(w, s.arb.Appeal(r.Context(), req.DisputeID))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	claimant, _ := r.Context().Value(ctxKeyHandle).(string)
	if claimant == "" {
		writeJSONError(w, http.StatusUnauthorized, "unknown caller")
		return
	}

	var req struct {
		Choices int    `json:"choices"`
		Payment uint64 `json:"payment"`
		Extra   string `json:"extra"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Choices == 0 {
		req.Choices = dispute.Choices
	}

	id, err := s.arb.CreateDispute(r.Context(), claimant, req.Choices, req.Payment, []byte(req.Extra))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"disputeId": id})
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusBadRequest, "dispute id required")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		rec, err := s.arb.Dispute(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	case len(parts) == 2 && parts[1] == "subdisputes" && r.Method == http.MethodGet:
		subs, err := s.arb.SubDisputes(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		items := make([]subDisputeResponse, 0, len(subs))
		for _, sd := range subs {
			items = append(items, subDisputeResponse{
				Position:     sd.Position,
				RaterHandle:  sd.RaterHandle,
				SubDisputeID: sd.SubDisputeID,
				FeePaid:      sd.FeePaid,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case len(parts) == 2 && parts[1] == "rulings" && r.Method == http.MethodPost:
		s.handleRule(w, r, id)
	default:
		writeJSONError(w, http.StatusNotFound, "no such resource")
	}
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request, disputeID int64) {
	rater, _ := r.Context().Value(ctxKeyHandle).(string)
	if rater == "" {
		writeJSONError(w, http.StatusUnauthorized, "unknown caller")
		return
	}

	var req struct {
		Verdict int `json:"verdict"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, err := s.arb.Rule(r.Context(), rater, disputeID, req.Verdict)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleRaters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, _ := r.Context().Value(ctxKeyHandle).(string)

	var req struct {
		Handle string `json:"handle"`
		Weight int    `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	rec, err := s.arb.AddRater(r.Context(), actor, req.Handle, req.Weight)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"handle":   rec.Handle,
		"weight":   rec.Weight,
		"position": rec.Position,
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, _ := r.Context().Value(ctxKeyHandle).(string)

	var req struct {
		Quota int `json:"quota"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if err := s.arb.ChangeQuota(r.Context(), actor, req.Quota); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quota": req.Quota})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var ipe *dispute.InsufficientPaymentError
	switch {
	case errors.As(err, &ipe):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":    "insufficient payment",
			"required": ipe.Required,
			"paid":     ipe.Available,
		})
	case errors.Is(err, dispute.ErrUnauthorized),
		errors.Is(err, panel.ErrUnauthorized),
		errors.Is(err, arbitrator.ErrNonAppealable):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, panel.ErrUnknownRater):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispute.ErrDuplicateVote),
		errors.Is(err, dispute.ErrAlreadySolved),
		errors.Is(err, panel.ErrPanelLocked),
		errors.Is(err, panel.ErrRaterExists):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrInvalidVerdict),
		errors.Is(err, panel.ErrInvalidQuota),
		errors.Is(err, panel.ErrInvalidWeightConfig),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrDuplicateHandle):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
