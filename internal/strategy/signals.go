package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"mep-arb/pkg/types"
)

// ImpliedA2U returns ask(ARS) / bid(USD): the rate paid when buying the ARS
// leg and selling the USD leg. False when either side is empty.
func ImpliedA2U(qa, qu types.TopOfBook) (float64, bool) {
	if qa.Ask <= 0 || qu.Bid <= 0 {
		return 0, false
	}
	return qa.Ask / qu.Bid, true
}

// ImpliedU2A returns bid(ARS) / ask(USD): the rate received when buying the
// USD leg and selling the ARS leg.
func ImpliedU2A(qa, qu types.TopOfBook) (float64, bool) {
	if qa.Bid <= 0 || qu.Ask <= 0 {
		return 0, false
	}
	return qa.Bid / qu.Ask, true
}

// OperableA2U is the ARS notional achievable on both legs at top-of-book for
// the ARS→USD route: the ARS-leg ask depth versus the USD-leg bid depth
// converted to ARS through the implied rate.
func OperableA2U(qa, qu types.TopOfBook, implied float64) float64 {
	return math.Min(qa.AskQty*qa.Ask, qu.BidQty*qu.Bid*implied)
}

// OperableU2A is the ARS notional achievable for the USD→ARS route.
func OperableU2A(qa, qu types.TopOfBook, impliedRev float64) float64 {
	return math.Min(qa.BidQty*qa.Bid, qu.AskQty*qu.Ask*impliedRev)
}

// SignalA2U reports whether buying USD through this pair beats the reference
// by at least thresh, with enough depth to clear minNotional.
func SignalA2U(implied, ref, operableARS, minNotional, thresh float64) bool {
	if operableARS < minNotional {
		return false
	}
	return implied <= ref*(1-thresh)
}

// SignalU2A reports whether selling USD through this pair beats the
// reference by at least thresh.
func SignalU2A(impliedRev, ref, operableARS, minNotional, thresh float64) bool {
	if operableARS < minNotional {
		return false
	}
	return impliedRev >= ref*(1+thresh)
}

// NominalCap returns the order quantity for one attempt: the lesser of the
// two legs' top-of-book depth, further capped by how many units the
// available cash affords at price. Price is floored at 1 so a dusty quote
// cannot explode the cash cap. Never negative.
func NominalCap(depthA, depthB float64, cash decimal.Decimal, price float64) int64 {
	depth := int64(math.Min(depthA, depthB))

	p := price
	if p < 1 {
		p = 1
	}
	byCash := int64(math.Floor(cash.InexactFloat64() / p))
	if byCash < 0 {
		byCash = 0
	}

	nom := depth
	if byCash < nom {
		nom = byCash
	}
	if nom < 0 {
		nom = 0
	}
	return nom
}

// MeetsNotional is the second gate on a sized order: the order's ARS value
// at price must still clear the configured minimum. The comparison runs in
// decimal at the venue's price precision, not in float.
func MeetsNotional(nominal int64, price, minNotional float64) bool {
	if nominal <= 0 {
		return false
	}
	notional := decimal.NewFromInt(nominal).Mul(decimal.NewFromFloat(price))
	return notional.GreaterThanOrEqual(decimal.NewFromFloat(minNotional))
}
