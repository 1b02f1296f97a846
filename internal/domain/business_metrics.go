package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	OrgID      *common.Address
	Actor      *common.Address
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventOrganizationCreated фиксирует создание организации.
	BusinessMetricEventOrganizationCreated = "organization_created"
	// BusinessMetricEventMemberAdded фиксирует добавление участника.
	BusinessMetricEventMemberAdded = "member_added"
	// BusinessMetricEventMemberRemoved фиксирует исключение участника.
	BusinessMetricEventMemberRemoved = "member_removed"
	// BusinessMetricEventModeratorAdded фиксирует назначение модератора.
	BusinessMetricEventModeratorAdded = "moderator_added"
	// BusinessMetricEventModeratorRemoved фиксирует снятие модератора.
	BusinessMetricEventModeratorRemoved = "moderator_removed"
	// BusinessMetricEventFeedbackSent фиксирует новый отзыв. Отправитель не сохраняется.
	BusinessMetricEventFeedbackSent = "feedback_sent"
	// BusinessMetricEventRequestSent фиксирует отправку запроса обратной связи.
	BusinessMetricEventRequestSent = "feedback_request_sent"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
