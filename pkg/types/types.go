// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent: order enums, instrument
// pairs, top-of-book quotes, execution reports, and the wire payloads spoken
// over the venue's streaming channel. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// TimeInForce enumerates the supported order lifetimes.
type TimeInForce string

const (
	TifIOC TimeInForce = "IOC" // immediate-or-cancel: unfilled portion dies
	TifDay TimeInForce = "DAY" // rests until end-of-day or cancel
)

// OrdType distinguishes priced from unpriced orders on the wire.
type OrdType string

const (
	OrdTypeLimit  OrdType = "LIMIT"
	OrdTypeMarket OrdType = "MARKET"
)

// Direction labels the two arbitrage routes for trade records and traces.
type Direction string

const (
	DirA2U Direction = "ARS->USD"
	DirU2A Direction = "USD->ARS"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments
// ————————————————————————————————————————————————————————————————————————

// Instrument is one tradeable listing as returned by instrument discovery.
type Instrument struct {
	Symbol string `json:"symbol"`
}

// Pair binds the two listings of the same bond: the ARS-quoted leg and the
// USD-quoted leg. The venue convention is USD = ARS symbol + "D"
// (AL30 / AL30D).
type Pair struct {
	ARS string
	USD string
}

// Key is the stable identifier used in trade records, e.g. "AL30:AL30D".
func (p Pair) Key() string { return p.ARS + ":" + p.USD }

// ————————————————————————————————————————————————————————————————————————
// Quotes
// ————————————————————————————————————————————————————————————————————————

// TopOfBook is the best bid and ask for one symbol with their sizes.
// A zero price means that side is currently empty. Updated wholesale from
// each market-data message; never patched field by field.
type TopOfBook struct {
	Symbol string
	Bid    float64
	Ask    float64
	BidQty float64
	AskQty float64
	TS     time.Time
}

// TwoSided reports whether both sides of the book are present.
func (t TopOfBook) TwoSided() bool { return t.Bid > 0 && t.Ask > 0 }

// ————————————————————————————————————————————————————————————————————————
// Execution reports
// ————————————————————————————————————————————————————————————————————————

// ExecReport is the normalized order lifecycle event delivered on the report
// bus. Price is the last fill price when the venue provided one, otherwise
// the order's limit price. Qty is the last fill quantity for fill events and
// the order quantity otherwise.
type ExecReport struct {
	TS      time.Time
	Symbol  string
	Side    Side
	Price   decimal.Decimal
	Qty     int64
	Status  OrderStatus
	OrderID string
	ClOrdID string
}

// IsFill reports whether the event moves position: a FILLED or
// PARTIALLY_FILLED status carrying a positive quantity.
func (e ExecReport) IsFill() bool {
	return (e.Status == StatusFilled || e.Status == StatusPartiallyFilled) && e.Qty > 0
}

// ————————————————————————————————————————————————————————————————————————
// Streaming wire messages
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the venue WebSocket.
// Outbound: "smd" (market-data subscription), "spr" (order-report
// subscription), "no" (new order). Inbound: "md" (top-of-book update),
// "er" (execution report).

// WSMarketDataSub subscribes level-1 market data for a symbol set.
// Sending it again replaces the previous subscription.
type WSMarketDataSub struct {
	Type    string   `json:"type"` // always "smd"
	Level   int      `json:"level"`
	Entries []string `json:"entries"` // ["BI","OF"]: best bid, best offer
	Symbols []string `json:"symbols"`
}

// WSOrderReportSub subscribes execution reports for the given accounts.
type WSOrderReportSub struct {
	Type     string   `json:"type"` // always "spr"
	Accounts []string `json:"accounts"`
	All      bool     `json:"all"` // true = reports for all orders, not only ws-originated
}

// WSProduct identifies an instrument on the venue's single market.
type WSProduct struct {
	MarketID string `json:"marketId"` // always "ROFX"
	Symbol   string `json:"symbol"`
}

// WSNewOrder is the outbound order entry message. Price is omitted for
// market orders and sent as a bare number otherwise; WSClOrdID correlates
// the eventual execution reports.
type WSNewOrder struct {
	Type            string      `json:"type"` // always "no"
	Product         WSProduct   `json:"product"`
	Price           *float64    `json:"price,omitempty"`
	Quantity        int64       `json:"quantity"`
	Side            Side        `json:"side"`
	Account         string      `json:"account"`
	OrdType         OrdType     `json:"ordType,omitempty"`
	TimeInForce     TimeInForce `json:"timeInForce"`
	Iceberg         bool        `json:"iceberg,omitempty"`
	DisplayQuantity int64       `json:"displayQuantity,omitempty"`
	Proprietary     string      `json:"proprietary"`
	WSClOrdID       string      `json:"wsClOrdId"`
}

// WSLevel is one price level inside a market-data entry. The venue sends
// numbers (or null, which decodes as zero).
type WSLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// WSEntries carries the subscribed book entries of an md message.
// BI is the bid stack, OF the offer stack; level-1 subscriptions deliver at
// most one element per side.
type WSEntries struct {
	BI []WSLevel `json:"BI"`
	OF []WSLevel `json:"OF"`
}

// WSMarketData is an inbound top-of-book update.
type WSMarketData struct {
	Type    string    `json:"type"` // always "md"
	Symbol  string    `json:"symbol"`
	Entries WSEntries `json:"entries"`
}

// WSExecReport is an inbound execution report. The venue populates lastPx
// and lastQty on fills; price and quantity always describe the order.
type WSExecReport struct {
	Type     string          `json:"type"` // always "er"
	Product  WSProduct       `json:"product"`
	Side     Side            `json:"side"`
	LastPx   decimal.Decimal `json:"lastPx"`
	Price    decimal.Decimal `json:"price"`
	LastQty  float64         `json:"lastQty"`
	Quantity float64         `json:"quantity"`
	Status   OrderStatus     `json:"status"`
	OrderID  string          `json:"orderId"`
	ClOrdID  string          `json:"clOrdId"`
}

// Report converts the wire payload to the normalized ExecReport, preferring
// the fill fields when present.
func (w WSExecReport) Report(ts time.Time) ExecReport {
	px := w.Price
	if !w.LastPx.IsZero() {
		px = w.LastPx
	}
	qty := w.Quantity
	if w.LastQty > 0 {
		qty = w.LastQty
	}
	return ExecReport{
		TS:      ts,
		Symbol:  w.Product.Symbol,
		Side:    w.Side,
		Price:   px,
		Qty:     int64(qty),
		Status:  w.Status,
		OrderID: w.OrderID,
		ClOrdID: w.ClOrdID,
	}
}
