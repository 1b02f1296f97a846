package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyRevert(t *testing.T) {
	tests := []struct {
		text   string
		kind   ErrorKind
		reason string
	}{
		{"Already a member", KindAlreadyMember, ReasonAlreadyMember},
		{"execution reverted: Not a member", KindNotMember, ReasonNotMember},
		{"execution reverted: Must be a member first", KindNotMember, ReasonMustBeMember},
		{"execution reverted: Already a moderator", KindAlreadyModerator, ReasonAlreadyModerator},
		{"Not a moderator", KindNotModerator, ReasonNotModerator},
		{"execution reverted: Not org owner", KindNotAuthorized, ReasonNotOwner},
		{"execution reverted: Not org owner or moderator", KindNotAuthorized, ReasonNotOwnerOrModerator},
		{"Cannot remove owner", KindCannotRemoveOwner, ReasonCannotRemoveOwner},
		{"execution reverted: Org does not exist", KindNotFound, ReasonOrgNotFound},
		{"You already own an org", KindAlreadyOwner, ReasonAlreadyOwner},
		{`call failed: {"message":"execution reverted: Not org owner or moderator"}`, KindNotAuthorized, ReasonNotOwnerOrModerator},
		{"MetaMask Tx Signature: User denied transaction signature.", KindRejected, ""},
		{"context deadline exceeded", KindUnavailable, ""},
		{"something odd happened", KindUnknown, "something odd happened"},
		{"", KindUnknown, ReasonTransactionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ClassifyRevert(tt.text)
			if got.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.kind)
			}
			if tt.reason != "" && got.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestLedgerErrorIs(t *testing.T) {
	classified := ClassifyRevert("execution reverted: Already a member")
	if !errors.Is(classified, ErrAlreadyMember) {
		t.Fatalf("classified error must match sentinel")
	}
	if errors.Is(classified, ErrAlreadyModerator) {
		t.Fatalf("different kinds must not match")
	}
	wrapped := fmt.Errorf("add member: %w", ErrMustBeMember)
	if !errors.Is(wrapped, ErrMustBeMember) || errors.Is(wrapped, ErrNotMember) {
		t.Fatalf("reason must take part in matching")
	}
	if KindOf(wrapped) != KindNotMember {
		t.Fatalf("KindOf = %s", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Fatalf("foreign errors are unknown")
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(errors.New("rpc exploded")); got != ReasonTransactionFailed {
		t.Fatalf("fallback = %q", got)
	}
	if got := UserMessage(ErrCannotRemoveOwner); got != "The organization owner cannot be removed." {
		t.Fatalf("owner message = %q", got)
	}
	if got := UserMessage(InvalidArgument("Invalid address")); got != "Invalid address" {
		t.Fatalf("invalid argument message = %q", got)
	}
	if UserMessage(nil) != "" {
		t.Fatalf("nil error must give empty message")
	}
}
