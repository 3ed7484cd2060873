package auth

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"ledgerflow/agreement"
)

// PartyPolicy authorizes ledger calls: a caller may act as itself and as any
// account it has been granted.
type PartyPolicy struct {
	repo   Repository
	logger *zap.Logger
}

func NewPartyPolicy(repo Repository, logger *zap.Logger) *PartyPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartyPolicy{repo: repo, logger: logger.Named("auth")}
}

func (p *PartyPolicy) Allowed(ctx context.Context, caller string, role agreement.Role, party string) bool {
	if caller == "" || party == "" {
		return false
	}
	if caller == party {
		return true
	}
	principal, err := p.repo.GetPrincipal(ctx, caller)
	if err != nil {
		p.logger.Debug("principal lookup failed", zap.String("caller", caller), zap.Error(err))
		return false
	}
	ok := slices.Contains(principal.ActsFor, party)
	if ok {
		p.logger.Debug("delegated call", zap.String("caller", caller), zap.String("party", party), zap.String("role", string(role)))
	}
	return ok
}
