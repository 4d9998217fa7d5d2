// Package fee holds the arbitration cost arithmetic. Costs are derived on
// every call rather than cached, so panel changes only affect disputes
// created afterwards.
package fee

import (
	"errors"
	"math"
)

// AppealSentinel is the advertised appeal cost. It is deliberately
// unpayable: the service is non-appealable by construction.
const AppealSentinel uint64 = math.MaxUint64

// ErrOverflow signals that panelSize * perRaterFee does not fit in uint64.
var ErrOverflow = errors.New("fee: total cost overflows")

// Total returns the payment required to open a dispute across a panel of
// the given size, one flat fee per rater.
func Total(panelSize uint64, perRaterFee uint64) (uint64, error) {
	if panelSize == 0 || perRaterFee == 0 {
		return 0, nil
	}
	if perRaterFee > math.MaxUint64/panelSize {
		return 0, ErrOverflow
	}
	return panelSize * perRaterFee, nil
}
