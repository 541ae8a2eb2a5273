package protocol

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/saturnpay/saturn/envelope"
)

// PaymentRequest is created and signed by the payee. It is immutable
// once signed and is referenced by hash in every downstream message so
// neither amount nor payee can be substituted en route.
type PaymentRequest struct {
	Head
	PayeeID         string          `json:"payeeId"`
	PayeeCommonName string          `json:"payeeCommonName"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        Currency        `json:"currency"`
	ReferenceID     string          `json:"referenceId"`
	Timestamp       time.Time       `json:"timeStamp"`
	Expires         time.Time       `json:"expires"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// AccountDescriptor names the payer's account: the payment method URL
// plus the bank-local account and credential identifiers.
type AccountDescriptor struct {
	PaymentMethod string `json:"paymentMethod"`
	AccountID     string `json:"accountId"`
	CredentialID  string `json:"credentialId"`
}

// UserResponseItem is a payer's answer to a previously issued challenge.
type UserResponseItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// UserChallengeItem asks the payer's wallet to collect one value.
type UserChallengeItem struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length int    `json:"length"`
}

const (
	ChallengeAlphanumeric       = "ALPHANUMERIC"
	ChallengeAlphanumericSecret = "ALPHANUMERIC_SECRET"
	ChallengeNumeric            = "NUMERIC"
)

// AuthorizationData is created by the payer's wallet at authorization
// time, signed with the payer's credential key and encrypted to the
// addressed provider. Intermediaries only ever see the encrypted blob.
// SessionKey lets the provider answer the payer directly (challenges,
// soft rejections) without the payee being able to read the reply.
type AuthorizationData struct {
	Head
	RequestHash      string             `json:"requestHash"`
	Account          AccountDescriptor  `json:"account"`
	PublicKey        string             `json:"publicKey"`
	SessionKey       string             `json:"sessionKey"`
	Timestamp        time.Time          `json:"timeStamp"`
	ChallengeResults []UserResponseItem `json:"challengeResults,omitempty"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// AuthorizationRequest is signed by the payee and sent to the payer's
// provider. The payment request is embedded as the payee's exact signed
// bytes; the payer authorization rides along encrypted.
type AuthorizationRequest struct {
	Head
	RecipientURL               string             `json:"recipientUrl"`
	PayeeAuthorityURL          string             `json:"payeeAuthorityUrl"`
	PaymentMethod              string             `json:"paymentMethod"`
	PaymentRequest             json.RawMessage    `json:"paymentRequest"`
	EncryptedAuthorizationData envelope.Encrypted `json:"encryptedAuthorizationData"`
	PayeeReceiveAccount        json.RawMessage    `json:"payeeReceiveAccount"`
	ClientIPAddress            string             `json:"clientIpAddress"`
	ReferenceID                string             `json:"referenceId"`
	TestMode                   bool               `json:"testMode,omitempty"`
	Timestamp                  time.Time          `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// AuthorizationResponse is signed by the provider. RequestHash binds it
// to the exact authorization request; the account data needed by the
// payee's side (card PAN or IBAN record) is separately encrypted for
// its recipient.
type AuthorizationResponse struct {
	Head
	RequestHash          string              `json:"requestHash"`
	AccountReference     string              `json:"accountReference"`
	EncryptedAccountData *envelope.Encrypted `json:"encryptedAccountData,omitempty"`
	ReferenceID          string              `json:"referenceId"`
	LogData              string              `json:"logData,omitempty"`
	TestMode             bool                `json:"testMode,omitempty"`
	Timestamp            time.Time           `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// UserMessage is the plaintext inside a ProviderUserResponse.
type UserMessage struct {
	Text       string              `json:"text"`
	Challenges []UserChallengeItem `json:"challenges,omitempty"`
}

// ProviderUserResponse is the provider's answer when the request cannot
// proceed but the payer can fix it: stale clock, step-up challenge,
// over-limit. It is not an error at the transport level; the dialog is
// resumable.
type ProviderUserResponse struct {
	Head
	ProviderCommonName string                 `json:"providerCommonName"`
	EncryptedMessage   envelope.SessionSealed `json:"encryptedMessage"`
}

// TransactionRequest finalizes a previous reservation: the payee asks
// the provider to convert the reserved amount (or a lower one) into a
// definitive debit. TransactionReference must be a reference ID issued
// by a prior authorization.
type TransactionRequest struct {
	Head
	RecipientURL         string          `json:"recipientUrl"`
	PayeeAuthorityURL    string          `json:"payeeAuthorityUrl"`
	TransactionReference string          `json:"transactionReference"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             Currency        `json:"currency"`
	ReferenceID          string          `json:"referenceId"`
	TestMode             bool            `json:"testMode,omitempty"`
	Timestamp            time.Time       `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

type TransactionResponse struct {
	Head
	RequestHash string    `json:"requestHash"`
	ReferenceID string    `json:"referenceId"`
	TestMode    bool      `json:"testMode,omitempty"`
	Timestamp   time.Time `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// RefundRequest reverses a previously settled payment, in whole or in
// part. The original payment request is embedded for audit linkage.
type RefundRequest struct {
	Head
	RecipientURL         string          `json:"recipientUrl"`
	PayeeAuthorityURL    string          `json:"payeeAuthorityUrl"`
	PaymentRequest       json.RawMessage `json:"paymentRequest"`
	PayeeSourceAccount   json.RawMessage `json:"payeeSourceAccount"`
	TransactionReference string          `json:"transactionReference"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             Currency        `json:"currency"`
	ReferenceID          string          `json:"referenceId"`
	TestMode             bool            `json:"testMode,omitempty"`
	Timestamp            time.Time       `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

type RefundResponse struct {
	Head
	RequestHash string    `json:"requestHash"`
	ReferenceID string    `json:"referenceId"`
	TestMode    bool      `json:"testMode,omitempty"`
	Timestamp   time.Time `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// BalanceRequest is signed by the payer's balance key.
type BalanceRequest struct {
	Head
	AccountID    string    `json:"accountId"`
	CredentialID string    `json:"credentialId"`
	Currency     Currency  `json:"currency"`
	Timestamp    time.Time `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

type BalanceResponse struct {
	Head
	AccountID string          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	Timestamp time.Time       `json:"timeStamp"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}
