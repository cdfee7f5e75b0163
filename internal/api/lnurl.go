package api

import (
	"fmt"
	"net/http"

	"github.com/Fi44er/custody_ledger/internal/models"
)

type lnurlStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// LNURL wallets expect 200 with a status object, also for errors.
func (s *Server) lnurlError(w http.ResponseWriter, r *http.Request, err error) {
	reason := err.Error()
	if statusFor(err) == http.StatusInternalServerError {
		s.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		reason = "internal error"
	}
	writeJSON(w, http.StatusOK, lnurlStatus{Status: "ERROR", Reason: reason})
}

func (s *Server) lnurlCallback(w http.ResponseWriter, r *http.Request) {
	k1 := r.URL.Query().Get("k1")
	if k1 == "" {
		s.lnurlError(w, r, models.ErrRequestNotFound)
		return
	}

	params, err := s.ln.Verify(r.Context(), k1)
	if err != nil {
		s.lnurlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (s *Server) lnurlPay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k1, pr := q.Get("k1"), q.Get("pr")
	if k1 == "" || pr == "" {
		s.lnurlError(w, r, fmt.Errorf("%w: k1 and pr are required", models.ErrInvalidRequest))
		return
	}

	if _, err := s.ln.Redeem(r.Context(), k1, pr); err != nil {
		s.lnurlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lnurlStatus{Status: "OK"})
}
