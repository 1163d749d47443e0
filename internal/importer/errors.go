package importer

// errors.go defines the import error taxonomy and the user-facing message
// catalogue. Every failed row and every aborted run carries one of these
// codes so an operator can find the cause without re-running the file.
//
// # Header and mapping (HDR, MAP)
//
//	HDR001 - Malformed header: the file is empty or its first row has no fields
//	MAP001 - Unknown property: the mapping names a term the sink does not know
//	MAP002 - Invalid spec: the import settings failed validation
//
// # Rows (IDN, SNK)
//
//	IDN001 - Ambiguous identifier: more than one record matched the identifier
//	SNK001 - Sink rejected: the sink refused a create, update or delete
//
// # Batches (CHK)
//
//	CHK001 - Checkpoint failed: a batch could not be committed, run aborted
//
// # Files (FILE)
//
//	FILE001 - File not found
//	FILE002 - Path is a directory
//	FILE003 - Invalid dialect or encoding
//	FILE004 - Permission denied
//	FILE005 - Path outside the import root
//	FILE006 - Read failure part way through the file
//
// # Runs (RUN)
//
//	RUN001 - Run cancelled
//	RUN002 - Too many concurrent imports
//	RUN003 - Run not found
//	RUN004 - Deadline exceeded
//
// # Database (DB)
//
//	DB001 - Duplicate key
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB007 - Deadlock
//
// # Default (ERR000)
//
// Sentinel errors are matched with errors.Is first, in catalogue order. When
// none match, the message is searched case-insensitively for the known
// patterns. ERR000 means neither matched; check the logs for the original
// error.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/JonMunkholm/csvimport/internal/mapping"
	"github.com/JonMunkholm/csvimport/internal/tabular"
)

var (
	// ErrMalformedHeader is fatal before any row is processed.
	ErrMalformedHeader = tabular.ErrMalformedHeader
	// ErrUnknownProperty is fatal when properties are checked eagerly and
	// fails the row otherwise.
	ErrUnknownProperty = mapping.ErrUnknownProperty
	// ErrInvalidSpec is returned before a run starts.
	ErrInvalidSpec = mapping.ErrInvalidSpec

	ErrAmbiguousIdentifier = errors.New("ambiguous identifier")
	ErrSinkRejected        = errors.New("sink rejected record")
	ErrCheckpointFailed    = errors.New("checkpoint failed")
	ErrCancelled           = errors.New("import cancelled")
	ErrReadFailed          = errors.New("read failed")
	ErrAlreadyStarted      = errors.New("import already started")
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

// catalogueEntry matches either a sentinel (target) or a message fragment.
type catalogueEntry struct {
	target  error
	pattern string
	msg     UserMessage
}

var catalogue = []catalogueEntry{
	{target: ErrMalformedHeader, msg: UserMessage{
		Message: "The file has no header row",
		Action:  "Make sure the first line lists the column names",
		Code:    "HDR001",
	}},
	{target: ErrUnknownProperty, msg: UserMessage{
		Message: "The mapping references a property the target does not know",
		Action:  "Check the property terms in the column mapping",
		Code:    "MAP001",
	}},
	{target: ErrInvalidSpec, msg: UserMessage{
		Message: "The import settings are invalid",
		Action:  "Fix the listed settings and try again",
		Code:    "MAP002",
	}},
	{target: ErrAmbiguousIdentifier, msg: UserMessage{
		Message: "More than one existing record has this identifier",
		Action:  "Make identifier values unique or choose another identifier property",
		Code:    "IDN001",
	}},
	{target: ErrCheckpointFailed, msg: UserMessage{
		Message: "A batch could not be saved and the run was stopped",
		Action:  "Earlier batches were kept. Fix the storage problem and import the remaining rows",
		Code:    "CHK001",
	}},
	{target: ErrSinkRejected, msg: UserMessage{
		Message: "The record could not be saved",
		Action:  "Review the error detail for the rejected row",
		Code:    "SNK001",
	}},
	{target: os.ErrNotExist, msg: UserMessage{
		Message: "The file does not exist",
		Action:  "Check the file path",
		Code:    "FILE001",
	}},
	{pattern: "is a directory", msg: UserMessage{
		Message: "The path is a directory",
		Action:  "Pass a file, or a glob pattern to import several files",
		Code:    "FILE002",
	}},
	{target: tabular.ErrInvalidDialect, msg: UserMessage{
		Message: "The delimiter, enclosure, escape or encoding setting is invalid",
		Action:  "Use single characters that differ from each other and a supported encoding",
		Code:    "FILE003",
	}},
	{target: os.ErrPermission, msg: UserMessage{
		Message: "The file cannot be read",
		Action:  "Check the file permissions",
		Code:    "FILE004",
	}},
	{pattern: "outside the import root", msg: UserMessage{
		Message: "The file is outside the allowed import directory",
		Action:  "Move the file under the import root",
		Code:    "FILE005",
	}},
	{target: ErrReadFailed, msg: UserMessage{
		Message: "The file could not be read to the end",
		Action:  "Check the file is complete and try again",
		Code:    "FILE006",
	}},
	{target: context.DeadlineExceeded, msg: UserMessage{
		Message: "The import timed out",
		Action:  "Split the file or raise the import timeout",
		Code:    "RUN004",
	}},
	{target: ErrCancelled, msg: UserMessage{
		Message: "The import was cancelled",
		Action:  "Start a new import when ready",
		Code:    "RUN001",
	}},
	{target: context.Canceled, msg: UserMessage{
		Message: "The import was cancelled",
		Action:  "Start a new import when ready",
		Code:    "RUN001",
	}},
	{pattern: "too many concurrent imports", msg: UserMessage{
		Message: "The system is busy with other imports",
		Action:  "Wait a moment and try again",
		Code:    "RUN002",
	}},
	{pattern: "run not found", msg: UserMessage{
		Message: "Import run not found",
		Action:  "Check the run id",
		Code:    "RUN003",
	}},
	{pattern: "duplicate key", msg: UserMessage{
		Message: "A record with this key already exists",
		Action:  "Check the file for duplicate rows",
		Code:    "DB001",
	}},
	{pattern: "connection refused", msg: UserMessage{
		Message: "Unable to connect to the database",
		Action:  "Please try again in a few moments",
		Code:    "DB004",
	}},
	{pattern: "connection reset", msg: UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Please try again",
		Code:    "DB005",
	}},
	{pattern: "deadlock", msg: UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB007",
	}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or check the logs",
	Code:    "ERR000",
}

// MapError converts an error to a user-facing message. Sentinels are checked
// before message patterns. A nil error maps to the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, e := range catalogue {
		if e.target != nil && errors.Is(err, e.target) {
			return e.msg
		}
	}
	text := strings.ToLower(err.Error())
	for _, e := range catalogue {
		if e.pattern != "" && strings.Contains(text, e.pattern) {
			return e.msg
		}
	}
	return defaultMessage
}

// Code is shorthand for MapError(err).Code.
func Code(err error) string {
	return MapError(err).Code
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific catalogue entry.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}

// rejected wraps a sink error so it matches ErrSinkRejected while keeping
// the sink's own detail.
func rejected(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSinkRejected, op, err)
}
