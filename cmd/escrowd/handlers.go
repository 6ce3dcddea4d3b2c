package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowflow/agent"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type tokenResponse struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	ExpiresAt string `json:"expiresAt"`
}

type agentResponse struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Creator         string `json:"creator"`
	Authority       string `json:"authority"`
	CreatedAt       string `json:"createdAt"`
	CreatorSigned   bool   `json:"creatorSigned"`
	Verified        bool   `json:"verified"`
	SuccessfulJobs  uint32 `json:"successfulJobs"`
	TotalEarned     uint64 `json:"totalEarned"`
	TotalSpent      uint64 `json:"totalSpent"`
	ReputationScore uint16 `json:"reputationScore"`
	CreatorSplitBps uint16 `json:"creatorSplitBps"`
	Balance         uint64 `json:"balance"`
}

type jobResponse struct {
	JobID        string `json:"jobId"`
	Key          string `json:"key"`
	JobHash      string `json:"jobHash"`
	Requester    string `json:"requester"`
	Worker       string `json:"worker,omitempty"`
	Amount       uint64 `json:"amount"`
	Status       string `json:"status"`
	TimeoutHours uint8  `json:"timeoutHours"`
	Deadline     string `json:"deadline,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

type transferResponse struct {
	Seq       int64  `json:"seq"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"createdAt"`
}

type disputeResponse struct {
	JobID     string `json:"jobId"`
	Escrow    string `json:"escrow"`
	Requester string `json:"requester"`
	Worker    string `json:"worker"`
	Amount    uint64 `json:"amount"`
	Deadline  string `json:"deadline,omitempty"`
	CreatedAt string `json:"createdAt"`
	Overdue   bool   `json:"overdue"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func optionalKey(k identity.Key) string {
	if k.IsZero() {
		return ""
	}
	return k.Hex()
}

func toAgentResponse(a models.Agent, balance uint64) agentResponse {
	return agentResponse{
		Key:             a.Key.Hex(),
		Name:            a.Name,
		Creator:         a.Creator.Hex(),
		Authority:       a.Authority.Hex(),
		CreatedAt:       formatTime(a.CreatedAt),
		CreatorSigned:   a.CreatorSigned,
		Verified:        a.Verified,
		SuccessfulJobs:  a.SuccessfulJobs,
		TotalEarned:     a.TotalEarned,
		TotalSpent:      a.TotalSpent,
		ReputationScore: a.ReputationScore,
		CreatorSplitBps: a.CreatorSplitBps,
		Balance:         balance,
	}
}

func toJobResponse(e models.Escrow) jobResponse {
	return jobResponse{
		JobID:        e.JobID,
		Key:          e.Key.Hex(),
		JobHash:      hex.EncodeToString(e.JobHash[:]),
		Requester:    e.Requester.Hex(),
		Worker:       optionalKey(e.Worker),
		Amount:       e.Amount,
		Status:       e.Status.String(),
		TimeoutHours: e.TimeoutHours,
		Deadline:     formatTime(e.Deadline),
		CreatedAt:    formatTime(e.CreatedAt),
	}
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	return disputeResponse{
		JobID:     rec.JobID,
		Escrow:    rec.Escrow.Hex(),
		Requester: rec.Requester.Hex(),
		Worker:    rec.Worker.Hex(),
		Amount:    rec.Amount,
		Deadline:  formatTime(rec.Deadline),
		CreatedAt: formatTime(rec.CreatedAt),
		Overdue:   rec.Overdue,
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func parseOptionalKey(raw string) (identity.Key, error) {
	if raw == "" {
		return identity.Zero, nil
	}
	return identity.ParseKey(raw)
}

func parseJobHash(raw string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("%w: jobHash must be 32 hex-encoded bytes", errBadRequest)
	}
	copy(out[:], b)
	return out, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	res, err := s.authService.IssueToken(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     res.Token,
		Identity:  res.Identity.Hex(),
		ExpiresAt: formatTime(res.ExpiresAt),
	})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := requestCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	a, err := s.agentService.Register(r.Context(), agent.RegisterParams{Owner: caller, Name: req.Name})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeAgent(w, r, http.StatusCreated, a)
}

func (s *Server) writeAgent(w http.ResponseWriter, r *http.Request, status int, a models.Agent) {
	balance, err := s.agentService.Balance(r.Context(), a.Key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, status, toAgentResponse(a, balance))
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	key, err := identity.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	a, err := s.agentService.Get(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeAgent(w, r, http.StatusOK, a)
}

func (s *Server) handleAgentTransfers(w http.ResponseWriter, r *http.Request) {
	key, err := identity.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	entries, err := s.agentService.Transfers(r.Context(), key, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]transferResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toTransferResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func toTransferResponse(e ledger.Entry) transferResponse {
	return transferResponse{
		Seq:       e.Seq,
		From:      optionalKey(e.Transfer.From),
		To:        e.Transfer.To.Hex(),
		Amount:    e.Transfer.Amount,
		Kind:      string(e.Transfer.Kind),
		CreatedAt: formatTime(e.CreatedAt),
	}
}

func (s *Server) handleConfigureSplit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requestCaller(w, r)
	if !ok {
		return
	}
	key, err := identity.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	var req struct {
		SplitBps *uint16 `json:"splitBps"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if req.SplitBps == nil {
		writeError(w, http.StatusBadRequest, "splitBps is required")
		return
	}
	a, err := s.agentService.ConfigureSplit(r.Context(), agent.ConfigureSplitParams{
		Caller:   caller,
		Agent:    key,
		SplitBps: *req.SplitBps,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeAgent(w, r, http.StatusOK, a)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requestCaller(w, r)
	if !ok {
		return
	}
	key, err := identity.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	amount, err := s.agentService.Withdraw(r.Context(), agent.WithdrawParams{
		Caller: caller,
		Agent:  key,
		Amount: req.Amount,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": key.Hex(), "withdrawn": amount})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := requestCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		JobID        string       `json:"jobId"`
		JobHash      string       `json:"jobHash"`
		Amount       uint64       `json:"amount"`
		TimeoutHours uint8        `json:"timeoutHours"`
		Requester    identity.Key `json:"requester"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	hash, err := parseJobHash(req.JobHash)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	e, err := s.escrowService.CreateJob(r.Context(), escrow.CreateJobParams{
		Caller:       caller,
		Requester:    req.Requester,
		JobID:        req.JobID,
		JobHash:      hash,
		Amount:       req.Amount,
		TimeoutHours: req.TimeoutHours,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(e))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.EscrowFilter
	if raw := q.Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}
	var err error
	if filter.Requester, err = parseOptionalKey(q.Get("requester")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if filter.Worker, err = parseOptionalKey(q.Get("worker")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if filter.Limit, err = parseLimit(r); err != nil {
		s.writeServiceError(w, err)
		return
	}

	escrows, err := s.escrowService.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]jobResponse, 0, len(escrows))
	for _, e := range escrows {
		items = append(items, toJobResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	e, err := s.escrowService.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(e))
}

type jobActionRequest struct {
	Worker    identity.Key `json:"worker"`
	Agent     identity.Key `json:"agent"`
	Requester identity.Key `json:"requester"`
	Creator   identity.Key `json:"creator"`
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := requestCaller(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobId")
	action := chi.URLParam(r, "action")

	var req jobActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	bindings := escrow.Bindings{Requester: req.Requester, Worker: req.Worker, Creator: req.Creator}
	params := escrow.ActionParams{Caller: caller, JobID: jobID, Bindings: bindings}

	var (
		e   models.Escrow
		err error
	)
	ctx := r.Context()
	switch action {
	case "hire":
		if req.Worker.IsZero() {
			writeError(w, http.StatusBadRequest, "worker is required")
			return
		}
		e, err = s.escrowService.HireAgent(ctx, escrow.HireParams{
			Caller:   caller,
			JobID:    jobID,
			Worker:   req.Worker,
			Bindings: bindings,
		})
	case "complete":
		e, err = s.escrowService.CompleteJob(ctx, params)
	case "approve":
		e, err = s.escrowService.ApproveJob(ctx, params)
	case "claim-timeout":
		e, err = s.escrowService.ClaimTimeout(ctx, params)
	case "cancel":
		e, err = s.escrowService.CancelJob(ctx, params)
	case "dispute":
		e, err = s.escrowService.DisputeJob(ctx, escrow.DisputeParams{
			Caller:   caller,
			JobID:    jobID,
			Agent:    req.Agent,
			Bindings: bindings,
		})
	default:
		writeError(w, http.StatusNotFound, "unknown job action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(e))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	party, err := parseOptionalKey(r.URL.Query().Get("party"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	records, err := s.disputeService.Queue(r.Context(), party, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}
