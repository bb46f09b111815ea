package ir

// Record shapes carried in Change.Data, one per entity. Quantities and
// money are integer minor units.

// ProductRecord is a catalog entry.
type ProductRecord struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
}

// StockRecord is the authoritative on-hand quantity of a product.
type StockRecord struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// CustomerRecord is a customer as the server knows it. DuplicateOf is set
// on a terminal's record that was relabelled against an existing one.
type CustomerRecord struct {
	CustomerID  string `json:"customer_id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// Server-side sale states.
const (
	SaleRecorded = "recorded"
	SaleVoided   = "voided"
)

// LineReview flags one line of a sale for manual review.
type LineReview struct {
	LineNo int64  `json:"line_no"`
	Reason string `json:"reason"`
}

// SaleRecord is an accepted sale.
type SaleRecord struct {
	SaleID     string       `json:"sale_id"`
	SessionID  string       `json:"session_id,omitempty"`
	TerminalID string       `json:"terminal_id"`
	Lines      []SaleLine   `json:"lines"`
	Total      int64        `json:"total"`
	Status     string       `json:"status"`
	VoidReason string       `json:"void_reason,omitempty"`
	Reviews    []LineReview `json:"reviews,omitempty"`
}

// Review returns the review flag for lineNo, if any.
func (r SaleRecord) Review(lineNo int64) (LineReview, bool) {
	for _, rv := range r.Reviews {
		if rv.LineNo == lineNo {
			return rv, true
		}
	}
	return LineReview{}, false
}

// Server-side session states.
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// SessionRecord is a cash session as the server knows it.
type SessionRecord struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	TerminalID   string `json:"terminal_id"`
	Status       string `json:"status"`
	OpeningFloat int64  `json:"opening_float"`
	ClosingCash  int64  `json:"closing_cash"`
}
