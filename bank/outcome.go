package bank

// Status is the top-level result of one protocol operation.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusPending  Status = "PENDING"
	StatusRejected Status = "REJECTED"
)

// RejectReason enumerates every distinguished rejection. The state
// machine returns these as data; nothing in the service signals a
// business rejection by panicking or by error type gymnastics.
type RejectReason string

const (
	ReasonWrongRecipient       RejectReason = "WrongRecipient"
	ReasonUnknownMethod        RejectReason = "UnknownMethod"
	ReasonUnknownMerchant      RejectReason = "UnknownMerchant"
	ReasonTrustChainMismatch   RejectReason = "TrustChainMismatch"
	ReasonBadSignature         RejectReason = "BadSignature"
	ReasonAccountMismatch      RejectReason = "AccountMismatch"
	ReasonDecryptionFailed     RejectReason = "DecryptionFailed"
	ReasonNoSuchAccount        RejectReason = "NoSuchAccount"
	ReasonWrongMethod          RejectReason = "WrongMethod"
	ReasonWrongKey             RejectReason = "WrongKey"
	ReasonStaleOrFutureRequest RejectReason = "StaleOrFutureRequest"
	ReasonInsufficientFunds    RejectReason = "InsufficientFunds"
	ReasonOverDemoLimit        RejectReason = "OverDemoLimit"
	ReasonSettlementFailed     RejectReason = "SettlementFailed"
	ReasonMalformedRequest     RejectReason = "MalformedRequest"
	ReasonInternal             RejectReason = "Internal"
)

// Outcome is what one operation produced. Accepted and Pending always
// carry a signed Body; a Rejected outcome carries a Body only when the
// payer can act on it (encrypted user message), otherwise HTTPStatus
// and the reason text travel as a clear-text error.
type Outcome struct {
	Status     Status       `json:"status"`
	Reason     RejectReason `json:"reason,omitempty"`
	HTTPStatus int          `json:"httpStatus"`
	Body       []byte       `json:"body,omitempty"`
	// ReferenceID is set on acceptance, for logs and tests.
	ReferenceID string `json:"referenceId,omitempty"`
}

func accepted(body []byte, referenceID string) Outcome {
	return Outcome{Status: StatusAccepted, HTTPStatus: 200, Body: body, ReferenceID: referenceID}
}

func pending(body []byte) Outcome {
	return Outcome{Status: StatusPending, HTTPStatus: 200, Body: body}
}

// softReject is a rejection the payer's wallet can present and often
// fix; it travels as an encrypted user message with HTTP 200.
func softReject(reason RejectReason, body []byte) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, HTTPStatus: 200, Body: body}
}

// hardReject is terminal for the request and travels as a clear-text
// HTTP error.
func hardReject(reason RejectReason, httpStatus int) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, HTTPStatus: httpStatus}
}
