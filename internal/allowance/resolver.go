// Package allowance decides which approval transactions a bridge call needs.
package allowance

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/registry"
)

// Reader reads ERC20 allowances. *evm.Client satisfies it.
type Reader interface {
	Allowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error)
}

type Request struct {
	ChainID int64
	Token   string
	Owner   string
	Spender string
	Amount  *big.Int
}

type Requirement struct {
	ShouldApprove        bool
	ShouldTwoStepApprove bool
	Current              *big.Int
}

// Satisfied reports whether no approval step is needed.
func (r Requirement) Satisfied() bool {
	return !r.ShouldApprove && !r.ShouldTwoStepApprove
}

type Resolver struct {
	reader Reader
	log    zerolog.Logger
}

func NewResolver(reader Reader, log zerolog.Logger) *Resolver {
	return &Resolver{reader: reader, log: log}
}

// Resolve reads the current allowance and derives the approval steps. Native
// tokens and quotes without a spender never need approval.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Requirement, error) {
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return Requirement{}, clierr.New(clierr.CodeUsage, "allowance amount must be non-negative")
	}
	if id.IsNativeAddress(req.Token) || strings.TrimSpace(req.Spender) == "" {
		return Requirement{Current: new(big.Int)}, nil
	}
	if !common.IsHexAddress(req.Token) || !common.IsHexAddress(req.Owner) || !common.IsHexAddress(req.Spender) {
		return Requirement{}, clierr.New(clierr.CodeUsage, "allowance requires token, owner and spender addresses")
	}
	if r.reader == nil {
		return Requirement{}, clierr.New(clierr.CodeInternal, "allowance reader is not configured")
	}

	current, err := r.reader.Allowance(ctx, req.ChainID, req.Token, req.Owner, req.Spender)
	if err != nil {
		return Requirement{}, err
	}
	if current == nil {
		current = new(big.Int)
	}
	out := Requirement{Current: current}
	if current.Cmp(req.Amount) >= 0 {
		return out, nil
	}
	out.ShouldApprove = true
	out.ShouldTwoStepApprove = current.Sign() != 0 && registry.IsTwoStepApproveToken(req.ChainID, req.Token)

	r.log.Debug().
		Int64("chain_id", req.ChainID).
		Str("token", req.Token).
		Str("spender", req.Spender).
		Str("current", current.String()).
		Str("required", req.Amount.String()).
		Bool("two_step", out.ShouldTwoStepApprove).
		Msg("approval required")
	return out, nil
}
