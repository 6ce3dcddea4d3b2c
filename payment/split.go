// Package payment divides an escrow payout between an agent's creator and
// the agent itself.
package payment

import (
	"github.com/holiman/uint256"

	"escrowflow/models"
	"escrowflow/safemath"
)

// Split returns the creator and worker shares of amount for a creator split
// of bps basis points. creator = floor(amount*bps/10000) and
// creator+worker == amount. The 5000 bps cap is enforced by the registry, not
// here; bps above 10000 yields safemath.ErrOverflow.
func Split(amount uint64, bps uint16) (creator, worker uint64, err error) {
	if bps > models.BpsDenominator {
		return 0, 0, safemath.ErrOverflow
	}
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(bps)))
	share := product.Div(product, uint256.NewInt(models.BpsDenominator))
	if !share.IsUint64() {
		return 0, 0, safemath.ErrOverflow
	}
	creator = share.Uint64()
	worker, err = safemath.Sub64(amount, creator)
	if err != nil {
		return 0, 0, err
	}
	return creator, worker, nil
}
