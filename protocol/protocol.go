// Package protocol defines the Saturn message vocabulary: the typed
// JSON objects exchanged between payer, payee, provider and acquirer.
// Signing, verification and encryption of these messages live in the
// envelope package.
package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// ContextURI identifies the Saturn message schema in the reserved
// "@context" field of every message.
const ContextURI = "https://saturnpay.org/saturn/v3"

// Message qualifiers.
const (
	QualifierPaymentRequest        = "PaymentRequest"
	QualifierAuthorizationData     = "AuthorizationData"
	QualifierAuthorizationRequest  = "AuthorizationRequest"
	QualifierAuthorizationResponse = "AuthorizationResponse"
	QualifierProviderUserResponse  = "ProviderUserResponse"
	QualifierTransactionRequest    = "TransactionRequest"
	QualifierTransactionResponse   = "TransactionResponse"
	QualifierRefundRequest         = "RefundRequest"
	QualifierRefundResponse        = "RefundResponse"
	QualifierBalanceRequest        = "BalanceRequest"
	QualifierBalanceResponse       = "BalanceResponse"
)

// Head carries the two reserved schema fields. Every message embeds it.
type Head struct {
	Context   string `json:"@context"`
	Qualifier string `json:"@qualifier"`
}

func NewHead(qualifier string) Head {
	return Head{Context: ContextURI, Qualifier: qualifier}
}

// RequestHash digests the canonical form of a signed message. Responses
// embed the hash of the request they answer, binding them to the exact
// signed bytes rather than to whatever fields happen to compare equal.
func RequestHash(raw []byte) (string, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing request: %w", err)
	}
	digest := sha256.Sum256(canon)
	return base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// Timestamps are serialized as ISO-8601 with second precision in UTC.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
