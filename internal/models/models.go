// Package models defines the domain entities persisted in the document store
// and the request/response shapes of the HTTP API.
package models

import "time"

// Role is a connection's permission level within a session.
type Role string

const (
	RoleHost     Role = "host"     // Venue host: playback control, wallet, session lifecycle
	RoleCustomer Role = "customer" // Can submit and view song requests
	RoleDisplay  Role = "display"  // Read-only venue screen
)

// Identity is the immutable result of authenticating a connection. It is
// passed explicitly into hub and queue calls, never stored globally.
type Identity struct {
	UID  string `json:"uid"`
	Role Role   `json:"role"`
}

// SessionStatus is the lifecycle state of a venue session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is one continuous music-playing period at a venue. At most one
// active session exists per establishment at any time. Ended sessions are
// immutable history.
type Session struct {
	ID                 string        `json:"id"`
	EstablishmentID    string        `json:"establishmentId"`
	HostID             string        `json:"hostId"`
	JoinCode           string        `json:"joinCode"`
	Status             SessionStatus `json:"status"`
	StartedAt          time.Time     `json:"startedAt"`
	EndedAt            *time.Time    `json:"endedAt,omitempty"`
	TotalCollected     int64         `json:"totalCollected"`
	TotalSongsPlayed   int64         `json:"totalSongsPlayed"`
	ConnectedUserCount int           `json:"connectedUserCount"`
	CurrentRequestID   *string       `json:"currentRequestId,omitempty"`
	LastActivityAt     time.Time     `json:"lastActivityAt"`
}

// RequestStatus is the state of a song request. Requests only move forward:
// pending -> accepted -> playing -> played, with rejected and refunded as
// terminal branches.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestPlaying  RequestStatus = "playing"
	RequestPlayed   RequestStatus = "played"
	RequestRejected RequestStatus = "rejected"
	RequestRefunded RequestStatus = "refunded"
)

// SongRequest is one paid song request. BidAmount is in integer minor
// currency units and immutable once accepted. SettledReal/SettledBonus record
// the amounts posted to the host wallet at settlement so a later refund can
// reverse exactly what was settled.
type SongRequest struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"sessionId"`
	RequesterID     string        `json:"requesterId"`
	Title           string        `json:"title"`
	Artist          string        `json:"artist"`
	BidAmount       int64         `json:"bidAmount"`
	Status          RequestStatus `json:"status"`
	SubmittedAt     time.Time     `json:"submittedAt"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
	RejectionReason *string       `json:"rejectionReason,omitempty"`
	SettledReal     int64         `json:"settledReal"`
	SettledBonus    int64         `json:"settledBonus"`
}

// MovementType classifies a ledger movement.
type MovementType string

const (
	MovementIngresoReal MovementType = "ingreso_real"
	MovementIngresoBono MovementType = "ingreso_bono"
	// MovementEgresoComision is reserved for an explicit commission charge.
	// Settlement nets the commission out of ingreso_real before posting, so
	// the current ledger never writes this type; it stays in the taxonomy for
	// imported statements and future gross-posting modes.
	MovementEgresoComision MovementType = "egreso_comision"
	MovementRetiro         MovementType = "retiro"
	MovementAjuste         MovementType = "ajuste"
)

// Movement is an append-only ledger entry. BalanceAfterReal/BalanceAfterBono
// record the wallet balances after this movement was applied; the wallet row
// is a derived cache of the latest movement's balance-after values. Ajuste
// movements record capped-refund write-offs and touch neither balance.
type Movement struct {
	ID               string       `json:"id"`
	HostID           string       `json:"hostId"`
	SessionID        *string      `json:"sessionId,omitempty"`
	Type             MovementType `json:"type"`
	Amount           int64        `json:"amount"`
	BalanceAfterReal int64        `json:"balanceAfterReal"`
	BalanceAfterBono int64        `json:"balanceAfterBono"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// WalletBalance is a host's dual balance. SaldoReal is withdrawable;
// SaldoBono is promotional and non-withdrawable. Mutated only through
// Movement records posted by the ledger.
type WalletBalance struct {
	HostID    string    `json:"hostId"`
	SaldoReal int64     `json:"saldoReal"`
	SaldoBono int64     `json:"saldoBono"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is the full session state sent to a subscriber on admit, so a
// reconnecting client never needs a separate catch-up request.
type Snapshot struct {
	Session        Session       `json:"session"`
	Queue          []SongRequest `json:"queue"`
	CurrentRequest *SongRequest  `json:"currentRequest,omitempty"`
}
