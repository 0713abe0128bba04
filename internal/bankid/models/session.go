package models

import "time"

// Status is the local session status. It is a superset of the remote order
// status: initiated, authenticating and cancelled only ever originate locally
// (before an orderRef exists, or after a local cancel).
type Status string

const (
	StatusInitiated      Status = "initiated"
	StatusPending        Status = "pending"
	StatusAuthenticating Status = "authenticating"
	StatusComplete       Status = "complete"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Operation tags the kind of BankID order a session drives.
type Operation string

const (
	OperationAuth Operation = "auth"
	OperationSign Operation = "sign"
)

// Session is the local bookkeeping record, 1:1 with a BankID order for the
// lifetime of the flow. QRStartSecret never leaves the server boundary; it is
// excluded from JSON so no handler can leak it by accident.
type Session struct {
	SessionID      string     `json:"sessionId"`
	PersonalNumber string     `json:"personalNumber,omitempty"`
	Operation      Operation  `json:"operation"`
	Status         Status     `json:"status"`
	HintCode       string     `json:"hintCode,omitempty"`
	OrderRef       string     `json:"orderRef,omitempty"`
	AutoStartToken string     `json:"autoStartToken,omitempty"`
	QRStartToken   string     `json:"qrStartToken,omitempty"`
	QRStartSecret  string     `json:"-"`
	CallbackURL    string     `json:"callbackUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`

	// CompletionData is present only once the order completed. It is
	// forwarded verbatim to callers and webhooks.
	CompletionData *CompletionData `json:"completionData,omitempty"`
}

// CompletionData is the provider's proof of a completed order. The gateway
// treats it as opaque apart from the personal number used in token claims.
type CompletionData struct {
	User            CompletionUser   `json:"user"`
	Device          CompletionDevice `json:"device"`
	BankIDIssueDate string           `json:"bankIdIssueDate,omitempty"`
	Signature       string           `json:"signature,omitempty"`
	OCSPResponse    string           `json:"ocspResponse,omitempty"`
}

type CompletionUser struct {
	PersonalNumber string `json:"personalNumber"`
	Name           string `json:"name,omitempty"`
	GivenName      string `json:"givenName,omitempty"`
	Surname        string `json:"surname,omitempty"`
}

type CompletionDevice struct {
	IPAddress string `json:"ipAddress,omitempty"`
}
