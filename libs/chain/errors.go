package chain

import "errors"

var (
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentInactive     = errors.New("agent is inactive")
	ErrTaskNotFound      = errors.New("task not found")
	ErrIllegalState      = errors.New("illegal task state transition")
	ErrLengthMismatch    = errors.New("capability tags and weights length mismatch")
	ErrOutOfRange        = errors.New("value out of range")
	ErrUnauthorized      = errors.New("caller not authorized")
	ErrInsufficientFunds = errors.New("insufficient balance for escrow")
	ErrDuplicateBid      = errors.New("bid already placed for this task")
	ErrBiddingClosed     = errors.New("bidding window is closed")
	ErrBiddingOpen       = errors.New("bidding window still open")
	ErrBadNonce          = errors.New("nonce must be strictly increasing")
	ErrBadSignature      = errors.New("bid signature verification failed")
	ErrAlreadyEvaluated  = errors.New("task already evaluated")
	ErrNotEvaluable      = errors.New("task is not in an evaluable state")
	ErrNoBids            = errors.New("no eligible bids")
)
