package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind классифицирует ошибки реестра организаций и журнала отзывов.
type ErrorKind string

const (
	KindUnknown           ErrorKind = "unknown"
	KindAlreadyMember     ErrorKind = "already_member"
	KindAlreadyModerator  ErrorKind = "already_moderator"
	KindNotMember         ErrorKind = "not_member"
	KindNotModerator      ErrorKind = "not_moderator"
	KindNotAuthorized     ErrorKind = "not_authorized"
	KindCannotRemoveOwner ErrorKind = "cannot_remove_owner"
	KindNotFound          ErrorKind = "not_found"
	KindAlreadyOwner      ErrorKind = "already_owner"
	KindInvalidArgument   ErrorKind = "invalid_argument"
	KindRejected          ErrorKind = "rejected"
	KindUnavailable       ErrorKind = "unavailable"
)

// Причины отказа в том виде, в котором их возвращает контракт.
const (
	ReasonAlreadyMember       = "Already a member"
	ReasonNotMember           = "Not a member"
	ReasonMustBeMember        = "Must be a member first"
	ReasonAlreadyModerator    = "Already a moderator"
	ReasonNotModerator        = "Not a moderator"
	ReasonNotOwner            = "Not org owner"
	ReasonNotOwnerOrModerator = "Not org owner or moderator"
	ReasonCannotRemoveOwner   = "Cannot remove owner"
	ReasonOrgNotFound         = "Org does not exist"
	ReasonAlreadyOwner        = "You already own an org"
	ReasonReceiverNotMember   = "Receiver is not a member"
	ReasonOwnerRoleFixed      = "Cannot change owner role"
	ReasonTransactionFailed   = "Transaction failed"
)

// LedgerError — типизированная ошибка реестра.
type LedgerError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по виду и причине, чтобы errors.Is работал и для ошибок,
// восстановленных из ответа контракта.
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrAlreadyMember        = &LedgerError{Kind: KindAlreadyMember, Reason: ReasonAlreadyMember}
	ErrNotMember            = &LedgerError{Kind: KindNotMember, Reason: ReasonNotMember}
	ErrMustBeMember         = &LedgerError{Kind: KindNotMember, Reason: ReasonMustBeMember}
	ErrReceiverNotMember    = &LedgerError{Kind: KindNotMember, Reason: ReasonReceiverNotMember}
	ErrAlreadyModerator     = &LedgerError{Kind: KindAlreadyModerator, Reason: ReasonAlreadyModerator}
	ErrNotModerator         = &LedgerError{Kind: KindNotModerator, Reason: ReasonNotModerator}
	ErrNotOwner             = &LedgerError{Kind: KindNotAuthorized, Reason: ReasonNotOwner}
	ErrNotOwnerOrModerator  = &LedgerError{Kind: KindNotAuthorized, Reason: ReasonNotOwnerOrModerator}
	ErrOwnerRoleFixed       = &LedgerError{Kind: KindNotAuthorized, Reason: ReasonOwnerRoleFixed}
	ErrCannotRemoveOwner    = &LedgerError{Kind: KindCannotRemoveOwner, Reason: ReasonCannotRemoveOwner}
	ErrOrgNotFound          = &LedgerError{Kind: KindNotFound, Reason: ReasonOrgNotFound}
	ErrAlreadyOwner         = &LedgerError{Kind: KindAlreadyOwner, Reason: ReasonAlreadyOwner}
	ErrReadOnly             = &LedgerError{Kind: KindNotAuthorized, Reason: "Ledger is read-only"}
	ErrTransactionFailed    = &LedgerError{Kind: KindUnknown, Reason: ReasonTransactionFailed}
	ErrRequestStoreDisabled = errors.New("request store unavailable")
)

// InvalidArgument создаёт ошибку некорректного аргумента.
func InvalidArgument(reason string) error {
	return &LedgerError{Kind: KindInvalidArgument, Reason: reason}
}

// KindOf возвращает вид ошибки; для ошибок вне таксономии — KindUnknown.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// revertReasons упорядочены так, что более длинные причины проверяются раньше своих префиксов.
var revertReasons = []*LedgerError{
	ErrNotOwnerOrModerator,
	ErrNotOwner,
	ErrAlreadyMember,
	ErrAlreadyModerator,
	ErrMustBeMember,
	ErrReceiverNotMember,
	ErrNotMember,
	ErrNotModerator,
	ErrCannotRemoveOwner,
	ErrOwnerRoleFixed,
	ErrOrgNotFound,
	ErrAlreadyOwner,
}

const executionRevertedPrefix = "execution reverted:"

// ClassifyRevert переводит текст ошибки контракта или кошелька в типизированную ошибку.
// Нераспознанный текст возвращается как KindUnknown с исходной причиной.
func ClassifyRevert(text string) *LedgerError {
	reason := RevertReason(text)
	for _, known := range revertReasons {
		if reason == known.Reason {
			return &LedgerError{Kind: known.Kind, Reason: known.Reason}
		}
	}
	for _, known := range revertReasons {
		if strings.Contains(text, known.Reason) {
			return &LedgerError{Kind: known.Kind, Reason: known.Reason}
		}
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "user rejected"), strings.Contains(lower, "user denied"):
		return &LedgerError{Kind: KindRejected, Reason: "Request rejected in wallet"}
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return &LedgerError{Kind: KindUnavailable, Reason: "RPC timeout"}
	case strings.Contains(lower, "chain id"), strings.Contains(lower, "network mismatch"):
		return &LedgerError{Kind: KindUnavailable, Reason: "Network mismatch"}
	}
	if reason == "" {
		reason = ReasonTransactionFailed
	}
	return &LedgerError{Kind: KindUnknown, Reason: reason}
}

// RevertReason извлекает причину из строки вида "execution reverted: X".
func RevertReason(text string) string {
	text = strings.TrimSpace(text)
	idx := strings.Index(text, executionRevertedPrefix)
	if idx < 0 {
		return text
	}
	reason := strings.TrimSpace(text[idx+len(executionRevertedPrefix):])
	if cut := strings.IndexAny(reason, "\n\""); cut >= 0 {
		reason = strings.TrimSpace(reason[:cut])
	}
	return reason
}

// UserMessage возвращает короткое сообщение для пользователя. Неизвестные ошибки сводятся
// к общему "Transaction failed".
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if !errors.As(err, &le) {
		return ReasonTransactionFailed
	}
	switch le.Kind {
	case KindAlreadyMember:
		return "This address is already a member of the organization."
	case KindAlreadyModerator:
		return "This address is already a moderator."
	case KindNotMember:
		if le.Reason == ReasonMustBeMember {
			return "The address must be a member before becoming a moderator."
		}
		if le.Reason == ReasonReceiverNotMember {
			return "The receiver is not a member of the organization."
		}
		return "This address is not a member of the organization."
	case KindNotModerator:
		return "This address is not a moderator."
	case KindNotAuthorized:
		if le.Reason == ReasonOwnerRoleFixed || le.Reason == ReasonNotOwner {
			return "Only the organization owner can do this."
		}
		if le.Reason == ErrReadOnly.Reason {
			return "Submit a signed transaction instead."
		}
		return "Only the organization owner or a moderator can do this."
	case KindCannotRemoveOwner:
		return "The organization owner cannot be removed."
	case KindNotFound:
		return "Organization does not exist."
	case KindAlreadyOwner:
		return "You already own an organization."
	case KindInvalidArgument:
		return le.Reason
	case KindRejected:
		return "The request was rejected in the wallet."
	case KindUnavailable:
		return "The network is unavailable, try again."
	default:
		return ReasonTransactionFailed
	}
}
