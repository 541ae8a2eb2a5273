// Package acquirer implements the card-network processor: it receives
// card operations from payees, decrypts the card account data addressed
// to it, runs the transaction on the card network and settles against
// the payer's bank over the interbanking protocol.
package acquirer

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

// Qualifiers for the payee-facing card operations.
const (
	QualifierCardTransactRequest  = "CardTransactRequest"
	QualifierCardTransactResponse = "CardTransactResponse"
	QualifierCardRefundRequest    = "CardRefundRequest"
	QualifierCardRefundResponse   = "CardRefundResponse"
)

// CardTransactRequest is signed by the payee: it hands over the
// authorization response it received from the payer's provider so the
// acquirer can unseal the card data addressed to it.
type CardTransactRequest struct {
	protocol.Head
	RecipientURL string `json:"recipientUrl"`
	// PayeeAuthorityURL locates the calling payee's authority object;
	// ProviderAuthorityURL the payer's provider, whose key must have
	// signed the embedded authorization response.
	PayeeAuthorityURL     string            `json:"payeeAuthorityUrl"`
	ProviderAuthorityURL  string            `json:"providerAuthorityUrl"`
	AuthorizationResponse json.RawMessage   `json:"authorizationResponse"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              protocol.Currency `json:"currency"`
	TestMode              bool              `json:"testMode,omitempty"`
	Timestamp             time.Time         `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// CardRefundRequest returns funds on a previously captured card
// payment. Shape matches CardTransactRequest; the authorization
// response again carries the card data and the original reference.
type CardRefundRequest struct {
	protocol.Head
	RecipientURL          string            `json:"recipientUrl"`
	PayeeAuthorityURL     string            `json:"payeeAuthorityUrl"`
	ProviderAuthorityURL  string            `json:"providerAuthorityUrl"`
	AuthorizationResponse json.RawMessage   `json:"authorizationResponse"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              protocol.Currency `json:"currency"`
	TestMode              bool              `json:"testMode,omitempty"`
	Timestamp             time.Time         `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// CardResponse answers either card operation. NetworkReference is the
// card network's approval code; ProviderReference the settlement
// reference issued by the payer's bank.
type CardResponse struct {
	protocol.Head
	RequestHash       string    `json:"requestHash"`
	ReferenceID       string    `json:"referenceId"`
	NetworkReference  string    `json:"networkReference,omitempty"`
	ProviderReference string    `json:"providerReference,omitempty"`
	TestMode          bool      `json:"testMode,omitempty"`
	Timestamp         time.Time `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}
