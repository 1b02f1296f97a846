package httpapi

import (
	"errors"
	"net/http"

	"org-feedback/internal/domain"
	httpinfra "org-feedback/internal/infra/http"
)

// statusFor сопоставляет вид ошибки реестра с HTTP-статусом.
func statusFor(err error) int {
	if errors.Is(err, domain.ErrReadOnly) {
		return http.StatusNotImplemented
	}
	switch domain.KindOf(err) {
	case domain.KindAlreadyMember, domain.KindAlreadyModerator, domain.KindAlreadyOwner,
		domain.KindNotMember, domain.KindNotModerator:
		return http.StatusConflict
	case domain.KindNotAuthorized, domain.KindCannotRemoveOwner:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindRejected:
		return http.StatusUnprocessableEntity
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// reasonFor возвращает текст ошибки для клиента. Неизвестные ошибки не раскрываются.
func reasonFor(err error) string {
	var le *domain.LedgerError
	if errors.As(err, &le) && le.Kind != domain.KindUnknown {
		return le.Reason
	}
	return domain.ReasonTransactionFailed
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	logger := h.log.With().Str("op", op).Str("request_id", httpinfra.RequestID(r)).Logger()
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		logger.Error().Err(err).Msg("api: operation failed")
	} else {
		logger.Debug().Err(err).Msg("api: operation rejected")
	}
	httpinfra.WriteError(w, status, reasonFor(err), string(domain.KindOf(err)))
}
