package claim

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"minisafe/internal/chain"
	"minisafe/internal/contracts"
)

// Entitlements is the identity and daily-claim surface.
type Entitlements interface {
	// Whitelisted reports whether account has a verified identity root.
	Whitelisted(ctx context.Context, account common.Address) (bool, error)
	// Entitlement is the amount account may claim now, in base units.
	Entitlement(ctx context.Context, account common.Address) (*big.Int, error)
	// Claim submits the claim and waits for it to be mined.
	Claim(ctx context.Context) (common.Hash, error)
}

// OnChainEntitlements reads the identity and UBI contracts directly.
type OnChainEntitlements struct {
	backend  chain.Backend
	ubi      common.Address
	identity common.Address
}

func NewOnChainEntitlements(backend chain.Backend, ubi, identity common.Address) *OnChainEntitlements {
	return &OnChainEntitlements{backend: backend, ubi: ubi, identity: identity}
}

func (e *OnChainEntitlements) Whitelisted(ctx context.Context, account common.Address) (bool, error) {
	if e.identity == (common.Address{}) {
		return true, nil
	}
	data, err := contracts.Pack(contracts.Identity, "getWhitelistedRoot", account)
	if err != nil {
		return false, err
	}
	out, err := e.backend.Call(ctx, e.identity, data)
	if err != nil {
		return false, err
	}
	root, err := contracts.UnpackAddress(contracts.Identity, "getWhitelistedRoot", out)
	if err != nil {
		return false, err
	}
	return root != (common.Address{}), nil
}

func (e *OnChainEntitlements) Entitlement(ctx context.Context, account common.Address) (*big.Int, error) {
	return contracts.CallUint256(ctx, e.backend, e.ubi, contracts.UBIScheme, "checkEntitlement", account)
}

func (e *OnChainEntitlements) Claim(ctx context.Context) (common.Hash, error) {
	data, err := contracts.Pack(contracts.UBIScheme, "claim")
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := e.backend.Send(ctx, e.ubi, data)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := e.backend.WaitForReceipt(ctx, hash); err != nil {
		return hash, fmt.Errorf("claim %s: %w", hash.Hex(), err)
	}
	return hash, nil
}
