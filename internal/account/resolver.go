package account

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/unclebandit/campaign-engine/internal/apperrors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// Resolver is the out-of-scope account/tenant service. A resolution failure is
// structural (deleted or suspended account); campaigns hitting one fail
// terminally rather than retrying.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (model.AccountContext, error)
}

// StaticResolver serves a fixed set of accounts. Used in development and
// tests; production wires a client for the real account service here.
type StaticResolver struct {
	mu       sync.RWMutex
	accounts map[string]model.AccountContext
}

func NewStaticResolver(accounts ...model.AccountContext) *StaticResolver {
	m := make(map[string]model.AccountContext, len(accounts))
	for _, a := range accounts {
		m[a.AccountID] = a
	}
	return &StaticResolver{accounts: m}
}

func (r *StaticResolver) Resolve(_ context.Context, accountID string) (model.AccountContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return model.AccountContext{}, &apperrors.ErrAccountResolution{
			AccountID: accountID,
			Cause:     errors.New("unknown account"),
		}
	}
	return a, nil
}

func (r *StaticResolver) Put(a model.AccountContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.AccountID] = a
}
