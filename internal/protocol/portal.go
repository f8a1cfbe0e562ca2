// =============================================
// File: internal/protocol/portal.go
// =============================================
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/chain"
)

// portalPools maps venue names to the trade API pool parameter.
var portalPools = map[string]string{
	PumpFun:  "pump",
	PumpSwap: "pump-amm",
}

// PortalConfig configures a trade API venue.
type PortalConfig struct {
	BaseURL      string
	AlternateURL string // used for RouteAlternate; falls back to BaseURL
	APIKey       string
	Timeout      time.Duration

	// With Signer and Sender set the adapter requests unsigned transactions
	// from the local endpoint, signs them here and broadcasts over RPC.
	Signer LocalSigner
	Sender TxSender
}

// LocalSigner signs serialized transactions with the trading wallet.
type LocalSigner interface {
	Address() string
	SignSerialized(raw []byte) (*solana.Transaction, error)
}

// TxSender broadcasts a signed transaction and returns its signature.
type TxSender interface {
	Send(ctx context.Context, tx *solana.Transaction) (string, error)
}

// StatusChecker reports whether a transaction signature landed.
type StatusChecker interface {
	SignatureStatus(ctx context.Context, signature string) (chain.Status, error)
}

// PortalAdapter sells through a hosted trade API (one adapter per pool).
// Prices come from the feed-backed PriceBook; landing is confirmed over RPC.
type PortalAdapter struct {
	name      string
	pool      string
	primary   *resty.Client
	alternate *resty.Client
	apiKey    string
	signer    LocalSigner
	sender    TxSender
	book      *PriceBook
	status    StatusChecker
	logger    *zap.Logger
}

type portalRequest struct {
	Action           string  `json:"action"`
	Mint             string  `json:"mint"`
	Amount           float64 `json:"amount"`
	DenominatedInSol string  `json:"denominatedInSol"`
	Slippage         float64 `json:"slippage"`
	PriorityFee      float64 `json:"priorityFee"`
	Pool             string  `json:"pool"`
	PublicKey        string  `json:"publicKey,omitempty"`
}

type portalResponse struct {
	Signature string          `json:"signature"`
	Errors    json.RawMessage `json:"errors"`
	Error     string          `json:"error"`
}

// NewPortalAdapter creates an adapter for one of the known venues.
func NewPortalAdapter(name string, cfg PortalConfig, book *PriceBook, status StatusChecker, logger *zap.Logger) (*PortalAdapter, error) {
	pool, ok := portalPools[name]
	if !ok {
		return nil, fmt.Errorf("no trade API pool for protocol %s", name)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("trade API base URL is required")
	}
	if (cfg.Signer == nil) != (cfg.Sender == nil) {
		return nil, errors.New("local signing needs both a signer and a sender")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	alt := cfg.AlternateURL
	if alt == "" {
		alt = cfg.BaseURL
	}
	newClient := func(base string) *resty.Client {
		// Retries belong to the execution coordinator, never the transport.
		return resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetTimeout(cfg.Timeout).
			SetRetryCount(0).
			SetHeader("Content-Type", "application/json")
	}
	return &PortalAdapter{
		name:      name,
		pool:      pool,
		primary:   newClient(cfg.BaseURL),
		alternate: newClient(alt),
		apiKey:    cfg.APIKey,
		signer:    cfg.Signer,
		sender:    cfg.Sender,
		book:      book,
		status:    status,
		logger:    logger.Named("portal").With(zap.String("protocol", name)),
	}, nil
}

func (a *PortalAdapter) Name() string { return a.name }

func (a *PortalAdapter) GetPrice(_ context.Context, token string) (float64, error) {
	return a.book.Price(a.name, token)
}

func (a *PortalAdapter) SubmitSell(ctx context.Context, order SellOrder) (Submission, error) {
	client := a.primary
	if order.Route == RouteAlternate {
		client = a.alternate
	}

	req := portalRequest{
		Action:           "sell",
		Mint:             order.Token,
		Amount:           order.Amount,
		DenominatedInSol: "false",
		Slippage:         float64(order.SlippageBps) / 100,
		PriorityFee:      order.Priority.FeeSOL(),
		Pool:             a.pool,
	}

	if a.signer != nil {
		req.PublicKey = a.signer.Address()
		return a.submitLocal(ctx, client, req, order)
	}

	resp, err := client.R().
		SetContext(ctx).
		SetQueryParam("api-key", a.apiKey).
		SetBody(req).
		Post("/api/trade")
	if err != nil {
		if isTimeout(err) {
			// The request may have been accepted before the deadline hit.
			return Submission{}, fmt.Errorf("%s sell %s: %w: %v", a.name, order.Token, ErrAmbiguous, err)
		}
		return Submission{}, fmt.Errorf("%s sell %s: %w", a.name, order.Token, err)
	}

	var body portalResponse
	if uerr := json.Unmarshal(resp.Body(), &body); uerr != nil && resp.IsSuccess() {
		return Submission{}, fmt.Errorf("%s sell %s: %w: unreadable response", a.name, order.Token, ErrAmbiguous)
	}

	if msg := body.errorText(); msg != "" || !resp.IsSuccess() {
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode())
		}
		return Submission{}, a.classify(msg, resp.StatusCode())
	}
	if body.Signature == "" {
		return Submission{}, fmt.Errorf("%s sell %s: %w: empty signature", a.name, order.Token, ErrAmbiguous)
	}

	return a.submitted(order, body.Signature), nil
}

// submitLocal builds the sell through the local endpoint, which answers
// with an unsigned wire transaction, then signs and broadcasts it.
func (a *PortalAdapter) submitLocal(ctx context.Context, client *resty.Client, req portalRequest, order SellOrder) (Submission, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/api/trade-local")
	if err != nil {
		// Nothing was broadcast yet.
		return Submission{}, &RejectedError{Protocol: a.name, Reason: err.Error(), Retryable: true}
	}
	if !resp.IsSuccess() {
		var body portalResponse
		msg := ""
		if json.Unmarshal(resp.Body(), &body) == nil {
			msg = body.errorText()
		}
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode())
		}
		return Submission{}, a.classify(msg, resp.StatusCode())
	}

	tx, err := a.signer.SignSerialized(resp.Body())
	if err != nil {
		return Submission{}, &RejectedError{Protocol: a.name, Reason: err.Error(), Retryable: false}
	}
	sig, err := a.sender.Send(ctx, tx)
	if err != nil {
		if isTimeout(err) {
			// The signature is fixed once signed, so the caller can still
			// look the transaction up.
			var sub Submission
			if len(tx.Signatures) > 0 && !tx.Signatures[0].IsZero() {
				sub = Submission{ID: tx.Signatures[0].String(), Protocol: a.name, Filled: order.Amount}
			}
			return sub, fmt.Errorf("%s sell %s: %w: %v", a.name, order.Token, ErrAmbiguous, err)
		}
		return Submission{}, &RejectedError{Protocol: a.name, Reason: err.Error(), Retryable: true}
	}
	return a.submitted(order, sig), nil
}

func (a *PortalAdapter) submitted(order SellOrder, signature string) Submission {
	price, _ := a.book.Price(a.name, order.Token)
	a.logger.Info("Sell submitted",
		zap.String("token", order.Token),
		zap.String("signature", signature),
		zap.Float64("amount", order.Amount),
		zap.Int("slippage_bps", order.SlippageBps),
		zap.String("route", string(order.Route)),
		zap.Bool("local_signing", a.signer != nil))

	return Submission{
		ID:       signature,
		Protocol: a.name,
		Filled:   order.Amount,
		Price:    price,
	}
}

// ConfirmSubmission checks the signature over RPC.
func (a *PortalAdapter) ConfirmSubmission(ctx context.Context, sub Submission) (bool, error) {
	if a.status == nil {
		return false, errors.New("no RPC status client configured")
	}
	st, err := a.status.SignatureStatus(ctx, sub.ID)
	if err != nil {
		return false, err
	}
	switch st {
	case chain.StatusLanded:
		return true, nil
	case chain.StatusFailed:
		return false, &RejectedError{Protocol: a.name, Reason: "transaction failed on chain", Retryable: true}
	default:
		return false, nil
	}
}

func (a *PortalAdapter) classify(msg string, status int) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found"), strings.Contains(lower, "bonding curve complete"),
		strings.Contains(lower, "no pool"):
		return fmt.Errorf("%s: %s: %w", a.name, msg, ErrNotFound)
	case strings.Contains(lower, "invalid mint"), strings.Contains(lower, "insufficient"),
		status == 401, status == 403:
		return &RejectedError{Protocol: a.name, Reason: msg, Retryable: false}
	default:
		// Slippage exceeded, blockhash expired, congestion.
		return &RejectedError{Protocol: a.name, Reason: msg, Retryable: true}
	}
}

func (r portalResponse) errorText() string {
	if r.Error != "" {
		return r.Error
	}
	if len(r.Errors) == 0 || string(r.Errors) == "null" {
		return ""
	}
	var list []string
	if err := json.Unmarshal(r.Errors, &list); err == nil {
		return strings.Join(list, "; ")
	}
	var single string
	if err := json.Unmarshal(r.Errors, &single); err == nil {
		return single
	}
	return string(r.Errors)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
