package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/Fi44er/custody_ledger/internal/lightning"
	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/internal/service"
	"github.com/Fi44er/custody_ledger/utils"
)

// Ledger is the user facing part of the service layer.
type Ledger interface {
	EnsureUser(ctx context.Context, userID string) (*models.User, error)
	GetBalance(ctx context.Context, userID string) (*service.BalanceSummary, error)
	SetFeePolicy(ctx context.Context, userID string, rate int64, policy models.FeePolicy) error

	GetDepositAddress(ctx context.Context, userID string) (*models.WalletAddress, error)
	ScanAddress(ctx context.Context, userID, address string) (int64, error)

	CreateWithdrawRequest(ctx context.Context, userID string, network models.Network, amount int64, destination string) (*models.WithdrawRequest, error)
	VerifyWithdrawRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, error)
	RedeemBTC(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, error)
	CancelWithdrawRequest(ctx context.Context, userID, k1 string) (*models.WithdrawRequest, error)
	ListActiveRequests(ctx context.Context, userID string) ([]models.WithdrawRequest, error)
	ListRequestHistory(ctx context.Context, userID string, limit int) ([]models.WithdrawRequest, error)
	ListTransfers(ctx context.Context, userID string, limit int) ([]models.Transfer, error)
}

// Lightning is the LNURL side of the reconciler.
type Lightning interface {
	CallbackURL(k1 string) string
	Verify(ctx context.Context, k1 string) (*lightning.WithdrawParams, error)
	Redeem(ctx context.Context, k1, bolt11 string) (*models.WithdrawRequest, error)
	CreateDepositInvoice(ctx context.Context, userK1 string, amountSat int64) (*models.DepositInvoice, error)
}

type Server struct {
	ledger    Ledger
	ln        Lightning
	validate  *validator.Validate
	jwtSecret []byte
	logger    *utils.Logger
}

func NewServer(ledger Ledger, ln Lightning, jwtSecret string, logger *utils.Logger) *Server {
	return &Server{
		ledger:    ledger,
		ln:        ln,
		validate:  validator.New(),
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// LNURL-withdraw endpoints are called by the paying wallet, k1 is the
	// credential.
	r.Get("/withdraw/ln/cb", s.lnurlCallback)
	r.Get("/withdraw/ln/pay", s.lnurlPay)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Use(s.withUser)

		r.Get("/balance", s.getBalance)
		r.Get("/transfers", s.listTransfers)

		r.Get("/deposit/btc/address", s.getDepositAddress)
		r.Post("/deposit/btc/scan", s.scanDeposit)
		r.Post("/deposit/ln", s.createDepositInvoice)

		r.Post("/withdraw/btc", s.createBTCWithdrawal)
		r.Put("/withdraw/btc/fee", s.setFeePolicy)
		r.Post("/withdraw/ln", s.createLNWithdrawal)
		r.Get("/withdraw/active", s.listActive)
		r.Get("/withdraw/history", s.listHistory)
		r.Post("/withdraw/{k1}/verify", s.verifyWithdrawal)
		r.Post("/withdraw/{k1}/redeem", s.redeemWithdrawal)
		r.Post("/withdraw/{k1}/cancel", s.cancelWithdrawal)
	})

	return r
}

// Serve runs the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("🚀 HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
