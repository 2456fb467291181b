package gateway

import (
	"strings"
	"time"
)

// Status is the gateway's view of a payment request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPaid       Status = "PAID"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
	StatusFailed     Status = "FAILED"
)

type CreateRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	Signature   string `json:"signature"`
}

type Transaction struct {
	Reference           string `json:"reference"`
	Amount              int64  `json:"amount"`
	TransactionDateTime string `json:"transactionDateTime"`
}

// Intent is a payment request as the gateway reports it.
type Intent struct {
	OrderCode     int64         `json:"orderCode"`
	Amount        int64         `json:"amount"`
	Status        Status        `json:"status"`
	Description   string        `json:"description"`
	CheckoutURL   string        `json:"checkoutUrl"`
	PaymentLinkID string        `json:"paymentLinkId"`
	CreatedAt     string        `json:"createdAt"`
	Transactions  []Transaction `json:"transactions"`
}

// TransactionID is the reference of the most recent transaction, if any.
func (i *Intent) TransactionID() string {
	if len(i.Transactions) == 0 {
		return ""
	}
	return i.Transactions[len(i.Transactions)-1].Reference
}

// PaidAt is the time of the most recent transaction. ok is false when the
// gateway reported none or the timestamp does not parse.
func (i *Intent) PaidAt() (time.Time, bool) {
	if len(i.Transactions) == 0 {
		return time.Time{}, false
	}
	return parseTime(i.Transactions[len(i.Transactions)-1].TransactionDateTime)
}

// Created parses CreatedAt.
func (i *Intent) Created() (time.Time, bool) {
	return parseTime(i.CreatedAt)
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type ListQuery struct {
	Page     int
	PageSize int
	From     time.Time
	To       time.Time
}

type IntentPage struct {
	Items []Intent `json:"items"`
	Total int      `json:"total"`
}
