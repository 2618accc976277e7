package common

import "context"

// Gateway abstracts a trading venue. Every call may be slow and may fail
// transiently; callers bound latency through ctx.
type Gateway interface {
	// Name identifies the venue in logs.
	Name() string
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	FetchStatus(ctx context.Context, q StatusQuery) (OrderStatus, error)
}
