package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Fi44er/custody_ledger/internal/models"
)

type withdrawBTCBody struct {
	Amount  int64  `json:"amount" validate:"required,gt=0"`
	Address string `json:"address" validate:"required,min=14,max=90"`
}

type withdrawLNBody struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type feePolicyBody struct {
	Rate   int64  `json:"rate" validate:"gte=0,lte=10000"`
	Policy string `json:"policy" validate:"required,oneof=default covered"`
}

type scanBody struct {
	Address string `json:"address" validate:"required"`
}

type depositLNBody struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type lnWithdrawResponse struct {
	K1  string `json:"k1"`
	URL string `json:"url"`
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.GetBalance(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.ledger.ListTransfers(r.Context(), userID(r), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (s *Server) getDepositAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.ledger.GetDepositAddress(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addr)
}

func (s *Server) scanDeposit(w http.ResponseWriter, r *http.Request) {
	var body scanBody
	if !s.decode(w, r, &body) {
		return
	}

	credited, err := s.ledger.ScanAddress(r.Context(), userID(r), body.Address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"credited": credited})
}

func (s *Server) createDepositInvoice(w http.ResponseWriter, r *http.Request) {
	var body depositLNBody
	if !s.decode(w, r, &body) {
		return
	}

	inv, err := s.ln.CreateDepositInvoice(r.Context(), currentUser(r).K1, body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) createBTCWithdrawal(w http.ResponseWriter, r *http.Request) {
	var body withdrawBTCBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.ledger.CreateWithdrawRequest(r.Context(), userID(r), models.NetworkBTC, body.Amount, body.Address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) setFeePolicy(w http.ResponseWriter, r *http.Request) {
	var body feePolicyBody
	if !s.decode(w, r, &body) {
		return
	}

	if err := s.ledger.SetFeePolicy(r.Context(), userID(r), body.Rate, models.FeePolicy(body.Policy)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createLNWithdrawal(w http.ResponseWriter, r *http.Request) {
	var body withdrawLNBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.ledger.CreateWithdrawRequest(r.Context(), userID(r), models.NetworkLN, body.Amount, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lnWithdrawResponse{K1: req.K1, URL: s.ln.CallbackURL(req.K1)})
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.ledger.ListActiveRequests(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.ledger.ListRequestHistory(r.Context(), userID(r), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) verifyWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, err := s.ledger.VerifyWithdrawRequest(r.Context(), userID(r), chi.URLParam(r, "k1"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) redeemWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, err := s.ledger.RedeemBTC(r.Context(), userID(r), chi.URLParam(r, "k1"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) cancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, err := s.ledger.CancelWithdrawRequest(r.Context(), userID(r), chi.URLParam(r, "k1"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}
