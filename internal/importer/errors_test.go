package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/JonMunkholm/csvimport/internal/tabular"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"malformed header", fmt.Errorf("open: %w", tabular.ErrMalformedHeader), "HDR001"},
		{"unknown property", fmt.Errorf("%w: foo:bar", ErrUnknownProperty), "MAP001"},
		{"invalid spec", ErrInvalidSpec, "MAP002"},
		{"ambiguous", fmt.Errorf("%w: x", ErrAmbiguousIdentifier), "IDN001"},
		{"checkpoint wins over pattern", fmt.Errorf("%w: dial: connection refused", ErrCheckpointFailed), "CHK001"},
		{"sink rejected", rejected("create", errors.New("duplicate key value")), "SNK001"},
		{"not exist", fmt.Errorf("open x: %w", os.ErrNotExist), "FILE001"},
		{"directory", errors.New("open /tmp: is a directory"), "FILE002"},
		{"dialect", fmt.Errorf("%w: bad", tabular.ErrInvalidDialect), "FILE003"},
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), "FILE004"},
		{"outside root", errors.New("/etc/passwd is outside the import root"), "FILE005"},
		{"cancelled", fmt.Errorf("%w: %w", ErrCancelled, context.Canceled), "RUN001"},
		{"deadline", context.DeadlineExceeded, "RUN004"},
		{"cancelled by deadline", fmt.Errorf("%w: %w", ErrCancelled, context.DeadlineExceeded), "RUN004"},
		{"busy", errors.New("too many concurrent imports"), "RUN002"},
		{"db duplicate", errors.New("ERROR: duplicate key value violates unique constraint"), "DB001"},
		{"unknown", errors.New("something odd"), "ERR000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MapError(tt.err).Code; got != tt.code {
				t.Errorf("MapError(%v).Code = %s, want %s", tt.err, got, tt.code)
			}
		})
	}
}

func TestMapError_Nil(t *testing.T) {
	if got := MapError(nil); got != (UserMessage{}) {
		t.Errorf("MapError(nil) = %+v", got)
	}
	if IsUserFacing(nil) || NewUserError(nil) != nil || FormatUserError(nil) != "" {
		t.Error("nil error should map to nothing")
	}
}

func TestUserError(t *testing.T) {
	ue := NewUserError(fmt.Errorf("%w: x", ErrAmbiguousIdentifier))
	if !errors.Is(ue, ErrAmbiguousIdentifier) {
		t.Error("UserError does not unwrap to the technical error")
	}
	if ue.Error() != ue.User.Message {
		t.Errorf("Error() = %q", ue.Error())
	}
	want := "More than one existing record has this identifier (Code: IDN001). Make identifier values unique or choose another identifier property"
	if got := FormatUserError(ue.Technical); got != want {
		t.Errorf("FormatUserError() = %q", got)
	}
	if !IsUserFacing(ue) {
		t.Error("IsUserFacing() = false for a catalogued error")
	}
}
