package protocol

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaperAdapter fills every order immediately at the last feed price. It
// lets the engine run end to end without touching a venue.
type PaperAdapter struct {
	name   string
	book   *PriceBook
	logger *zap.Logger
}

// NewPaperAdapter creates a simulated venue answering prices from book.
func NewPaperAdapter(name string, book *PriceBook, logger *zap.Logger) *PaperAdapter {
	return &PaperAdapter{name: name, book: book, logger: logger.Named("paper").With(zap.String("protocol", name))}
}

func (a *PaperAdapter) Name() string { return a.name }

func (a *PaperAdapter) GetPrice(_ context.Context, token string) (float64, error) {
	return a.book.Price(a.name, token)
}

func (a *PaperAdapter) SubmitSell(ctx context.Context, order SellOrder) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	price, err := a.book.Price(a.name, order.Token)
	if err != nil {
		return Submission{}, fmt.Errorf("paper sell %s: %w", order.Token, err)
	}

	sub := Submission{
		ID:       uuid.NewString(),
		Protocol: a.name,
		Filled:   order.Amount,
		Price:    price,
	}
	a.logger.Info("Paper sell filled",
		zap.String("token", order.Token),
		zap.Float64("amount", order.Amount),
		zap.Float64("price", price),
		zap.Int("slippage_bps", order.SlippageBps),
		zap.String("priority", string(order.Priority.Level)),
		zap.Int("attempt", order.Attempt))
	return sub, nil
}

// ConfirmSubmission always reports landed; paper fills are final.
func (a *PaperAdapter) ConfirmSubmission(context.Context, Submission) (bool, error) {
	return true, nil
}
