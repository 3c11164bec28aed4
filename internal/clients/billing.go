package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	displaygrpc "semaphore/display/internal/grpc"
	"semaphore/display/internal/quota"
)

// ScreenLimitMethod returns the subscription's screen limit for a tenant. A
// negative value means unlimited.
const ScreenLimitMethod = "/billing.v1.SubscriptionQueryService/GetScreenLimit"

// Billing reads screen limits from the billing service.
type Billing struct {
	conn    *grpc.ClientConn
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

func NewBilling(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*Billing, error) {
	if serviceToken == "" {
		return nil, errors.New("service auth token required")
	}
	conn, err := dial(ctx, addr, serviceToken, timeout)
	if err != nil {
		return nil, err
	}
	return &Billing{conn: conn, cc: conn, timeout: timeout}, nil
}

// NewBillingFromConn wraps an existing connection.
func NewBillingFromConn(cc grpc.ClientConnInterface, timeout time.Duration) *Billing {
	return &Billing{cc: cc, timeout: timeout}
}

func (b *Billing) ScreenLimit(ctx context.Context, tenantID string) (quota.Limit, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	out := new(wrapperspb.Int64Value)
	if err := b.cc.Invoke(ctx, ScreenLimitMethod, wrapperspb.String(tenantID), out); err != nil {
		return quota.Limit{}, fmt.Errorf("billing screen limit: %w", err)
	}
	if out.GetValue() < 0 {
		return quota.Unlimited(), nil
	}
	return quota.Max(int(out.GetValue())), nil
}

func (b *Billing) Close() {
	if b == nil || b.conn == nil {
		return
	}
	_ = b.conn.Close()
}

func dial(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(displaygrpc.ServiceAuthUnaryClientInterceptor(serviceToken)),
	)
}
