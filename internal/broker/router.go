package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"kis-daytrader/internal/market"
)

// Router dispatches each call to the broker registered for the market.
type Router struct {
	routes map[market.Market]Broker
}

// NewRouter builds a router; nil brokers are skipped.
func NewRouter(routes map[market.Market]Broker) *Router {
	r := &Router{routes: make(map[market.Market]Broker, len(routes))}
	for m, b := range routes {
		if b != nil {
			r.routes[m] = b
		}
	}
	return r
}

// Markets lists the configured markets in a stable order.
func (r *Router) Markets() []market.Market {
	out := make([]market.Market, 0, len(r.routes))
	for m := range r.routes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) route(m market.Market) (Broker, error) {
	b, ok := r.routes[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, m)
	}
	return b, nil
}

// Balance merges all markets when m is market.All.
func (r *Router) Balance(ctx context.Context, m market.Market) (Balance, error) {
	if m != market.All {
		b, err := r.route(m)
		if err != nil {
			return Balance{}, err
		}
		return b.Balance(ctx, m)
	}

	merged := Balance{Summaries: map[string]Summary{}}
	for _, mk := range r.Markets() {
		bal, err := r.routes[mk].Balance(ctx, mk)
		if err != nil {
			return Balance{}, fmt.Errorf("balance %s: %w", mk, err)
		}
		merged.Holdings = append(merged.Holdings, bal.Holdings...)
		for cur, s := range bal.Summaries {
			merged.Summaries[cur] = s
		}
	}
	return merged, nil
}

func (r *Router) Price(ctx context.Context, id string, m market.Market) (decimal.Decimal, error) {
	b, err := r.route(m)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Price(ctx, id, m)
}

func (r *Router) Buy(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	b, err := r.route(m)
	if err != nil {
		return OrderResult{}, err
	}
	return b.Buy(ctx, id, qty, m)
}

func (r *Router) Sell(ctx context.Context, id string, qty int64, m market.Market) (OrderResult, error) {
	b, err := r.route(m)
	if err != nil {
		return OrderResult{}, err
	}
	return b.Sell(ctx, id, qty, m)
}

func (r *Router) IsMarketOpen(ctx context.Context, day time.Time, m market.Market) (bool, error) {
	b, err := r.route(m)
	if err != nil {
		return false, err
	}
	return b.IsMarketOpen(ctx, day, m)
}

func (r *Router) IsMarketOpenNow(ctx context.Context, m market.Market) (bool, error) {
	b, err := r.route(m)
	if err != nil {
		return false, err
	}
	return b.IsMarketOpenNow(ctx, m)
}

var _ Broker = (*Router)(nil)
