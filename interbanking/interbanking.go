// Package interbanking implements the small settlement protocol used
// between banks and acquirers. It is deliberately separate from the
// payment protocol: one signed request, one signed response, four
// operations.
package interbanking

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

// ContextURI identifies the interbanking schema; it is distinct from
// the payment protocol's context on purpose, so a replayed payment
// message can never parse as a settlement instruction.
const ContextURI = "https://saturnpay.org/interbanking/v1"

const (
	QualifierRequest  = "InterbankingRequest"
	QualifierResponse = "InterbankingResponse"
)

type Operation string

const (
	CreditCardTransact    Operation = "CREDIT_CARD_TRANSACT"
	CreditCardRefund      Operation = "CREDIT_CARD_REFUND"
	CreditTransfer        Operation = "CREDIT_TRANSFER"
	ReverseCreditTransfer Operation = "REVERSE_CREDIT_TRANSFER"
)

func (o Operation) Valid() bool {
	switch o {
	case CreditCardTransact, CreditCardRefund, CreditTransfer, ReverseCreditTransfer:
		return true
	}
	return false
}

// CardOperation reports whether o runs over the card network, which
// decides the signature root the server verifies against.
func (o Operation) CardOperation() bool {
	return o == CreditCardTransact || o == CreditCardRefund
}

var (
	ErrWrongContentType = errors.New("wrong content type")
	ErrUntrustedCaller  = errors.New("caller signature key not in trust root")
)

type Request struct {
	protocol.Head
	Operation            Operation         `json:"operation"`
	RecipientURL         string            `json:"recipientUrl"`
	Account              string            `json:"account"`
	TransactionReference string            `json:"transactionReference,omitempty"`
	Amount               decimal.Decimal   `json:"amount"`
	Currency             protocol.Currency `json:"currency"`
	PayeeName            string            `json:"payeeName"`
	PayeeReference       string            `json:"payeeReference"`
	PayeeAccount         string            `json:"payeeAccount"`
	TestMode             bool              `json:"testMode,omitempty"`
	Timestamp            time.Time         `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

type Response struct {
	protocol.Head
	OurReference string    `json:"ourReference"`
	TestMode     bool      `json:"testMode,omitempty"`
	Timestamp    time.Time `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

func newHead(qualifier string) protocol.Head {
	return protocol.Head{Context: ContextURI, Qualifier: qualifier}
}
