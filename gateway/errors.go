package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrUnknown              = errors.New("unknown error")
	ErrUnknownOpcode        = errors.New("unknown opcode")
	ErrDecodeError          = errors.New("decode error")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrInvalidSeq           = errors.New("invalid seq")
	ErrRateLimited          = errors.New("rate limited")
	ErrSessionTimedOut      = errors.New("session timed out")
	ErrInvalidShard         = errors.New("invalid shard")
	ErrShardingRequired     = errors.New("sharding required")
	ErrInvalidApiVersion    = errors.New("invalid api version")
	ErrInvalidIntents       = errors.New("invalid intents")
	ErrDisallowedIntents    = errors.New("disallowed intents")

	ErrProtocolViolation = errors.New("unrecoverable close code")
	ErrInvalidSession    = errors.New("invalid session")
	ErrShardDestroyed    = errors.New("shard destroyed")
	ErrManagerDestroyed  = errors.New("shard manager destroyed")
	ErrTransport         = errors.New("transport error")
	ErrNotConnected      = errors.New("websocket is not connected")
	ErrConnectInProgress = errors.New("connect already in progress")

	Errors = map[int]error{
		4000: ErrUnknown,
		4001: ErrUnknownOpcode,
		4002: ErrDecodeError,
		4003: ErrNotAuthenticated,
		4004: ErrAuthenticationFailed,
		4005: ErrAlreadyAuthenticated,
		4007: ErrInvalidSeq,
		4008: ErrRateLimited,
		4009: ErrSessionTimedOut,
		4010: ErrInvalidShard,
		4011: ErrShardingRequired,
		4012: ErrInvalidApiVersion,
		4013: ErrInvalidIntents,
		4014: ErrDisallowedIntents,
	}
)

// Close codes after which no automatic reconnect is attempted.
var fatalCloseCodes = map[int]bool{
	4004: true,
	4010: true,
	4011: true,
	4013: true,
	4014: true,
}

// Close codes that invalidate the session, so the next connect must identify.
var unresumableCloseCodes = map[int]bool{
	1000: true,
	4007: true,
	4009: true,
}

func IsFatalCloseCode(code int) bool {
	return fatalCloseCodes[code]
}

func IsResumableCloseCode(code int) bool {
	return !fatalCloseCodes[code] && !unresumableCloseCodes[code]
}

// CloseEvent describes how a shard's connection ended.
type CloseEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

type CloseError struct {
	ShardId int
	CloseEvent
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("shard %d: connection closed with code %d", e.ShardId, e.Code)
	}

	return fmt.Sprintf("shard %d: connection closed with code %d: %s", e.ShardId, e.Code, e.Reason)
}

func (e *CloseError) Fatal() bool {
	return fatalCloseCodes[e.Code]
}

func (e *CloseError) Unwrap() []error {
	var errs []error
	if err, ok := Errors[e.Code]; ok {
		errs = append(errs, err)
	}

	if e.Fatal() {
		errs = append(errs, ErrProtocolViolation)
	}

	return errs
}
