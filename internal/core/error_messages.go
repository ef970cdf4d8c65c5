package core

// # Error Codes Reference
//
// This file defines user-facing error messages with codes for support
// reference. Typed domain errors are classified first with errors.As; raw
// driver or transport errors fall back to case-insensitive pattern matching.
//
// # Validation (VAL001-VAL099)
//
//	VAL001 - Invalid request: a field is missing or malformed
//	VAL002 - Payload too large: the upload exceeds the configured ceiling
//	VAL003 - Unsupported format: the payload is not a rectangular CSV or JSON grid
//	VAL004 - Invalid resolution: the chosen value is not allowed for the conflict
//
// # Versions and content (VER001-VER099, CNT001-CNT099)
//
//	VER001 - Version not found
//	VER003 - Versions share no common ancestor
//	CNT001 - Content hash not found
//
// # Diff (DIFF001-DIFF099)
//
//	DIFF001 - Cross-spreadsheet comparison
//
// # Conflicts and merges (CFL001-CFL099, MRG001-MRG099)
//
//	CFL001 - Conflict not found
//	CFL002 - Conflict already resolved
//	MRG001 - Merge request not found
//	MRG002 - Merge request is closed
//	MRG003 - Merge request still has unresolved conflicts
//
// # Storage (STO001-STO099)
//
//	STO001 - Storage unavailable (retryable)
//	STO002 - Request cancelled
//	STO003 - Request timed out
//
// # Rate limiting (RATE001-RATE099)
//
//	RATE001 - Too many requests
//	RATE002 - Too many concurrent uploads
//
// # Default (ERR000)
//
//	ERR000 - Unknown error; check the server log for the technical cause.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgInvalidRequest = UserMessage{
		Message: "The request is invalid",
		Action:  "Check the request fields and try again",
		Code:    "VAL001",
	}
	msgPayloadTooLarge = UserMessage{
		Message: "The uploaded sheet exceeds the maximum size",
		Action:  "Split the sheet or remove unused rows and columns",
		Code:    "VAL002",
	}
	msgUnsupportedFormat = UserMessage{
		Message: "The uploaded data is not a supported sheet format",
		Action:  "Upload CSV or a JSON array of rows with a header row",
		Code:    "VAL003",
	}
	msgInvalidResolution = UserMessage{
		Message: "The chosen resolution is not allowed for this conflict",
		Action:  "Pick one of the values offered for the conflict",
		Code:    "VAL004",
	}
	msgVersionNotFound = UserMessage{
		Message: "Version not found",
		Action:  "Verify the version ID is correct",
		Code:    "VER001",
	}
	msgNoCommonAncestor = UserMessage{
		Message: "The versions share no history",
		Action:  "Merge versions that descend from a common version",
		Code:    "VER003",
	}
	msgContentNotFound = UserMessage{
		Message: "Content not found",
		Action:  "Verify the content hash is correct",
		Code:    "CNT001",
	}
	msgCrossSpreadsheet = UserMessage{
		Message: "The versions belong to different spreadsheets",
		Action:  "Compare versions of the same spreadsheet",
		Code:    "DIFF001",
	}
	msgConflictNotFound = UserMessage{
		Message: "Conflict not found",
		Action:  "Reload the merge request to see its current conflicts",
		Code:    "CFL001",
	}
	msgConflictResolved = UserMessage{
		Message: "The conflict is already resolved",
		Action:  "Reload the merge request to see the recorded resolution",
		Code:    "CFL002",
	}
	msgMergeNotFound = UserMessage{
		Message: "Merge request not found",
		Action:  "It may have been purged. Detect conflicts again to reopen it",
		Code:    "MRG001",
	}
	msgMergeClosed = UserMessage{
		Message: "The merge request is already closed",
		Action:  "Start a new merge if further changes are needed",
		Code:    "MRG002",
	}
	msgMergeUnresolved = UserMessage{
		Message: "The merge request still has unresolved conflicts",
		Action:  "Resolve every conflict before finalizing",
		Code:    "MRG003",
	}
	msgStorageUnavailable = UserMessage{
		Message: "Storage is temporarily unavailable",
		Action:  "Please try again in a few moments",
		Code:    "STO001",
	}
	msgCancelled = UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "STO002",
	}
	msgTimeout = UserMessage{
		Message: "Request timed out",
		Action:  "Try a smaller sheet or try again later",
		Code:    "STO003",
	}
	msgRateLimited = UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}
	msgTooManyIngests = UserMessage{
		Message: "System is busy processing other uploads",
		Action:  "Please wait a moment and try again",
		Code:    "RATE002",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns classify errors that reach MapError without a domain type,
// such as raw driver errors. First match wins.
var errorPatterns = []errorPattern{
	{pattern: "connection refused", msg: msgStorageUnavailable},
	{pattern: "connection reset", msg: msgStorageUnavailable},
	{pattern: "no such host", msg: msgStorageUnavailable},
	{pattern: "context canceled", msg: msgCancelled},
	{pattern: "context deadline exceeded", msg: msgTimeout},
	{pattern: "timeout", msg: msgTimeout},
	{pattern: "rate limit", msg: msgRateLimited},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-facing message. Domain errors are
// classified by type; anything else is matched against known patterns, with
// ERR000 as the fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var (
		nf    *NotFoundError
		state *ConflictStateError
		val   *ValidationError
	)
	switch {
	case errors.Is(err, ErrTooManyIngests):
		return msgTooManyIngests
	case errors.Is(err, ErrStorageUnavailable):
		return msgStorageUnavailable
	case errors.Is(err, ErrPayloadTooLarge):
		return msgPayloadTooLarge
	case errors.Is(err, ErrUnsupportedFormat):
		return msgUnsupportedFormat
	case errors.Is(err, ErrCrossSpreadsheet):
		return msgCrossSpreadsheet
	case errors.As(err, &val):
		if val.Field == "resolved_value" {
			return msgInvalidResolution
		}
		return msgInvalidRequest
	case errors.As(err, &nf):
		switch nf.Resource {
		case "common ancestor":
			return msgNoCommonAncestor
		case "content":
			return msgContentNotFound
		case "conflict":
			return msgConflictNotFound
		case "merge request":
			return msgMergeNotFound
		default:
			return msgVersionNotFound
		}
	case errors.As(err, &state):
		switch {
		case state.Resource == "conflict":
			return msgConflictResolved
		case strings.HasSuffix(state.Message, "unresolved"):
			return msgMergeUnresolved
		default:
			return msgMergeClosed
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
