package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/utils"
)

const listPageSize = 500

type macaroonCredential string

func (m macaroonCredential) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"macaroon": string(m)}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool { return true }

// LndClient implements Node over lnd gRPC.
type LndClient struct {
	conn   *grpc.ClientConn
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient
	logger *utils.Logger
}

func NewLndClient(host, tlsCertPath, macaroonPath string, logger *utils.Logger) (*LndClient, error) {
	creds, err := credentials.NewClientTLSFromFile(tlsCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load lnd tls cert: %w", err)
	}

	mac, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lnd macaroon: %w", err)
	}

	conn, err := grpc.Dial(host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCredential(hex.EncodeToString(mac))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}

	logger.Infof("✅ Connected to lnd at %s", host)
	return &LndClient{
		conn:   conn,
		ln:     lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
		logger: logger,
	}, nil
}

func (c *LndClient) Close() error {
	return c.conn.Close()
}

// nodeError maps transport failures to ErrNodeUnavailable and everything else
// to ErrInvalidRequest.
func nodeError(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Unknown, codes.Internal:
		return fmt.Errorf("%w: %s: %v", models.ErrNodeUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", models.ErrInvalidRequest, op, err)
	}
}

func (c *LndClient) CreateInvoice(ctx context.Context, amountSat int64, memo string, expiry int64) (*Invoice, error) {
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Value:  amountSat,
		Memo:   memo,
		Expiry: expiry,
	})
	if err != nil {
		return nil, nodeError("add invoice", err)
	}
	return &Invoice{
		PaymentHash:  hex.EncodeToString(resp.RHash),
		Bolt11:       resp.PaymentRequest,
		ValueSat:     amountSat,
		State:        models.InvoiceOpen,
		AddIndex:     resp.AddIndex,
		Expiry:       expiry,
		Memo:         memo,
		CreationDate: time.Now(),
	}, nil
}

func (c *LndClient) DecodeInvoice(ctx context.Context, bolt11 string) (*PayReq, error) {
	resp, err := c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: bolt11})
	if err != nil {
		return nil, nodeError("decode pay req", err)
	}
	return &PayReq{
		PaymentHash: resp.PaymentHash,
		Destination: resp.Destination,
		NumSatoshis: resp.NumSatoshis,
		Expiry:      resp.Expiry,
		Timestamp:   resp.Timestamp,
		Description: resp.Description,
	}, nil
}

// PayInvoice starts a payment and returns once lnd accepted it. The outcome
// arrives through TrackPayments.
func (c *LndClient) PayInvoice(ctx context.Context, bolt11 string, feeLimitSat int64, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: bolt11,
		FeeLimitSat:    feeLimitSat,
		TimeoutSeconds: int32(timeout.Seconds()),
	})
	if err != nil {
		return nodeError("send payment", err)
	}

	if _, err := stream.Recv(); err != nil {
		return nodeError("send payment", err)
	}
	return nil
}

func (c *LndClient) TrackPayments(ctx context.Context, fn func(Payment) error) error {
	stream, err := c.router.TrackPayments(ctx, &routerrpc.TrackPaymentsRequest{NoInflightUpdates: true})
	if err != nil {
		return nodeError("track payments", err)
	}

	for {
		p, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: payment stream closed", models.ErrNodeUnavailable)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nodeError("track payments", err)
		}
		if err := fn(toPayment(p)); err != nil {
			return err
		}
	}
}

// ListPayments pages through every payment created at or after since.
func (c *LndClient) ListPayments(ctx context.Context, since time.Time) ([]Payment, error) {
	var (
		out    []Payment
		offset uint64
	)
	for {
		resp, err := c.ln.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
			IncludeIncomplete: true,
			IndexOffset:       offset,
			MaxPayments:       listPageSize,
		})
		if err != nil {
			return nil, nodeError("list payments", err)
		}
		for _, p := range resp.Payments {
			pay := toPayment(p)
			if !pay.CreatedAt.Before(since) {
				out = append(out, pay)
			}
		}
		if len(resp.Payments) < listPageSize || resp.LastIndexOffset == offset {
			return out, nil
		}
		offset = resp.LastIndexOffset
	}
}

func (c *LndClient) SubscribeInvoices(ctx context.Context, addIndex, settleIndex uint64, fn func(Invoice) error) error {
	stream, err := c.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{
		AddIndex:    addIndex,
		SettleIndex: settleIndex,
	})
	if err != nil {
		return nodeError("subscribe invoices", err)
	}

	for {
		inv, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: invoice stream closed", models.ErrNodeUnavailable)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nodeError("subscribe invoices", err)
		}
		if err := fn(toInvoice(inv)); err != nil {
			return err
		}
	}
}

// ListInvoices pages through invoices with add_index > fromAddIndex.
func (c *LndClient) ListInvoices(ctx context.Context, fromAddIndex uint64) ([]Invoice, error) {
	var out []Invoice
	offset := fromAddIndex
	for {
		resp, err := c.ln.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
			IndexOffset:    offset,
			NumMaxInvoices: listPageSize,
		})
		if err != nil {
			return nil, nodeError("list invoices", err)
		}
		for _, inv := range resp.Invoices {
			out = append(out, toInvoice(inv))
		}
		if len(resp.Invoices) < listPageSize || resp.LastIndexOffset == offset {
			return out, nil
		}
		offset = resp.LastIndexOffset
	}
}

func toPayment(p *lnrpc.Payment) Payment {
	pay := Payment{
		PaymentHash: p.PaymentHash,
		Preimage:    p.PaymentPreimage,
		ValueSat:    p.ValueSat,
		FeeSat:      p.FeeSat,
		CreatedAt:   time.Unix(0, p.CreationTimeNs),
	}
	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
		pay.Status = models.PaymentSucceeded
	case lnrpc.Payment_FAILED:
		pay.Status = models.PaymentFailed
		pay.FailureReason = p.FailureReason.String()
	default:
		pay.Status = models.PaymentInFlight
	}
	return pay
}

func toInvoice(inv *lnrpc.Invoice) Invoice {
	out := Invoice{
		PaymentHash:  hex.EncodeToString(inv.RHash),
		Bolt11:       inv.PaymentRequest,
		ValueSat:     inv.Value,
		AmtPaidSat:   inv.AmtPaidSat,
		AddIndex:     inv.AddIndex,
		SettleIndex:  inv.SettleIndex,
		Expiry:       inv.Expiry,
		Memo:         inv.Memo,
		CreationDate: time.Unix(inv.CreationDate, 0),
	}
	switch inv.State {
	case lnrpc.Invoice_SETTLED:
		out.State = models.InvoiceSettled
	case lnrpc.Invoice_CANCELED:
		out.State = models.InvoiceCanceled
	default:
		out.State = models.InvoiceOpen
	}
	return out
}
