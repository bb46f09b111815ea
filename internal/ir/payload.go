package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Payload is the tagged variant carried by an Operation. The concrete type is
// fixed by Kind and its shape is validated before the operation is appended.
type Payload interface {
	Kind() Kind
}

// SaleLine is one line of a sale. Prices are minor currency units.
type SaleLine struct {
	LineNo    int64  `json:"line_no"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// SaleCreate records a completed sale.
type SaleCreate struct {
	SaleID    string     `json:"sale_id"`
	SessionID string     `json:"session_id,omitempty"`
	Lines     []SaleLine `json:"lines"`
	Total     int64      `json:"total"`
}

// SaleVoid is the only way to change an acknowledged sale.
type SaleVoid struct {
	SaleID string `json:"sale_id"`
	Reason string `json:"reason,omitempty"`
}

// StockAdjust changes the on-hand quantity of a product by Delta.
// SaleID and LineNo link the adjustment to the sale line that caused it.
type StockAdjust struct {
	ProductID string `json:"product_id"`
	Delta     int64  `json:"delta"`
	SaleID    string `json:"sale_id,omitempty"`
	LineNo    int64  `json:"line_no,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionStart opens a cash session for a user on this terminal.
type SessionStart struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	OpeningFloat int64  `json:"opening_float"`
}

// SessionEnd closes a cash session.
type SessionEnd struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	ClosingCash int64  `json:"closing_cash"`
}

// CustomerCreate registers a customer. The natural key is the normalized
// email, falling back to the phone digits.
type CustomerCreate struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// CustomerRelabel marks a local customer as a duplicate reference of a
// server record. The local record is kept, and its fields travel with the
// relabel so the server can hold the reference too.
type CustomerRelabel struct {
	CustomerID  string `json:"customer_id"`
	DuplicateOf string `json:"duplicate_of"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// SaleLineReview flags a sale line for manual review.
type SaleLineReview struct {
	SaleID string `json:"sale_id"`
	LineNo int64  `json:"line_no"`
	Reason string `json:"reason"`
}

func (SaleCreate) Kind() Kind      { return KindSaleCreate }
func (SaleVoid) Kind() Kind        { return KindSaleVoid }
func (StockAdjust) Kind() Kind     { return KindStockAdjust }
func (SessionStart) Kind() Kind    { return KindSessionStart }
func (SessionEnd) Kind() Kind      { return KindSessionEnd }
func (CustomerCreate) Kind() Kind  { return KindCustomerCreate }
func (CustomerRelabel) Kind() Kind { return KindCustomerRelabel }
func (SaleLineReview) Kind() Kind  { return KindSaleLineReview }

// LineTotal sums quantity*unit_price over all lines. Returns an error
// wrapping ErrInvalidPayload if the sum does not fit in an int64.
func (s SaleCreate) LineTotal() (int64, error) {
	var total int64
	for _, l := range s.Lines {
		amount, ok := mulInt64(l.Quantity, l.UnitPrice)
		if ok {
			total, ok = addInt64(total, amount)
		}
		if !ok {
			return 0, fmt.Errorf("%w: sale %s: line total overflows at line %d", ErrInvalidPayload, s.SaleID, l.LineNo)
		}
	}
	return total, nil
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	c := a * b
	return c, c/b == a
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	return c, (c > a) == (b > 0)
}

// NaturalKey returns the key used to detect duplicate customers across
// terminals. Returns "" if the customer has neither email nor phone.
func (c CustomerCreate) NaturalKey() string {
	if email := strings.TrimSpace(c.Email); email != "" {
		return "email:" + cases.Fold().String(email)
	}
	var digits strings.Builder
	for _, r := range c.Phone {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return "phone:" + digits.String()
}

// EncodePayload serializes a payload to JSON with HTML escaping disabled.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// DecodePayload parses data into the concrete payload type for kind.
// Unknown fields are rejected.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	var target Payload
	switch kind {
	case KindSaleCreate:
		target = &SaleCreate{}
	case KindSaleVoid:
		target = &SaleVoid{}
	case KindStockAdjust:
		target = &StockAdjust{}
	case KindSessionStart:
		target = &SessionStart{}
	case KindSessionEnd:
		target = &SessionEnd{}
	case KindCustomerCreate:
		target = &CustomerCreate{}
	case KindCustomerRelabel:
		target = &CustomerRelabel{}
	case KindSaleLineReview:
		target = &SaleLineReview{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, kind, err)
	}

	return deref(target), nil
}

// deref returns the value form of a decoded payload pointer so callers can
// type-switch on value types only.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SaleCreate:
		return *v
	case *SaleVoid:
		return *v
	case *StockAdjust:
		return *v
	case *SessionStart:
		return *v
	case *SessionEnd:
		return *v
	case *CustomerCreate:
		return *v
	case *CustomerRelabel:
		return *v
	case *SaleLineReview:
		return *v
	}
	return p
}
