package models

// Session lifecycle
type StartSessionRequest struct {
	EstablishmentID    string `json:"establishmentId"`
	HostID             string `json:"hostId,omitempty"` // defaults to the establishment's house account
	PortalPasswordHash string `json:"portalPasswordHash"`
}

type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	JoinCode  string `json:"joinCode"`
	Token     string `json:"token"`
}

type JoinSessionRequest struct {
	JoinCode string `json:"joinCode"`
	Role     string `json:"role,omitempty"` // "customer" (default) or "display"
}

type JoinSessionResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// Song requests
type SubmitSongRequestRequest struct {
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	BidAmount int64  `json:"bidAmount"`
}

type RejectSongRequestRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Payment collaborator webhooks
type PaymentConfirmedRequest struct {
	RequestID      string `json:"requestId"`
	CapturedAmount int64  `json:"capturedAmount"`
}

type PaymentFailedRequest struct {
	RequestID string `json:"requestId"`
}

// Wallet
type WithdrawRequest struct {
	Amount int64 `json:"amount"`
}

// Error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
