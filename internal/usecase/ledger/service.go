package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/metrics"
)

const (
	maxNameRunes        = 100
	maxDescriptionRunes = 1000
)

// Service — эталонный реестр организаций и журнал отзывов с проверкой прав.
type Service struct {
	store     domain.LedgerStore
	analytics domain.BusinessMetricRepo
	log       zerolog.Logger
	now       func() time.Time
}

var _ domain.Ledger = (*Service)(nil)

// Option настраивает сервис.
type Option func(*Service)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBusinessMetrics включает запись бизнесовых событий.
func WithBusinessMetrics(repo domain.BusinessMetricRepo) Option {
	return func(s *Service) { s.analytics = repo }
}

// NewService создаёт сервис поверх хранилища.
func NewService(store domain.LedgerStore, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrganization создаёт организацию вызывающего. ID организации — адрес владельца.
func (s *Service) CreateOrganization(ctx context.Context, caller common.Address, name, description string) (org domain.Organization, err error) {
	defer func(start time.Time) { metrics.ObserveLedgerOperation("create_organization", start, err) }(time.Now())

	if domain.IsZero(caller) {
		return domain.Organization{}, domain.InvalidArgument("Invalid caller")
	}
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" {
		return domain.Organization{}, domain.InvalidArgument("Name is required")
	}
	if len([]rune(name)) > maxNameRunes {
		return domain.Organization{}, domain.InvalidArgument(fmt.Sprintf("Name exceeds %d characters", maxNameRunes))
	}
	if len([]rune(description)) > maxDescriptionRunes {
		return domain.Organization{}, domain.InvalidArgument(fmt.Sprintf("Description exceeds %d characters", maxDescriptionRunes))
	}

	org, err = s.store.CreateOrganization(ctx, domain.Organization{
		ID:          caller,
		Name:        name,
		Description: description,
		Owner:       caller,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.Organization{}, wrap("создание организации", err)
	}
	s.record(ctx, domain.BusinessMetricEventOrganizationCreated, org.ID, caller, map[string]any{"name": org.Name})
	return org, nil
}

// GetOrgMetadata возвращает организацию или ErrOrgNotFound.
func (s *Service) GetOrgMetadata(ctx context.Context, orgID common.Address) (domain.Organization, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return domain.Organization{}, wrap("получение организации", err)
	}
	return org, nil
}

// GetOrganizationsByUser возвращает организации, где пользователь состоит.
func (s *Service) GetOrganizationsByUser(ctx context.Context, user common.Address) ([]common.Address, error) {
	orgs, err := s.store.ListOrganizationsByMember(ctx, user)
	if err != nil {
		return nil, wrap("организации пользователя", err)
	}
	ids := make([]common.Address, 0, len(orgs))
	for _, org := range orgs {
		ids = append(ids, org.ID)
	}
	return ids, nil
}

// TotalOrganizations возвращает число организаций.
func (s *Service) TotalOrganizations(ctx context.Context) (int64, error) {
	n, err := s.store.CountOrganizations(ctx)
	if err != nil {
		return 0, wrap("подсчёт организаций", err)
	}
	return n, nil
}

// AddMember добавляет участника. Нужны права владельца или модератора.
func (s *Service) AddMember(ctx context.Context, caller, orgID, who common.Address) (err error) {
	defer func(start time.Time) { metrics.ObserveLedgerOperation("add_member", start, err) }(time.Now())

	if domain.IsZero(who) {
		return domain.InvalidArgument("Invalid address")
	}
	err = s.store.WithOrg(ctx, orgID, func(tx domain.OrgTx) error {
		role, err := roleIn(ctx, tx, caller)
		if err != nil {
			return err
		}
		if !role.IsAdmin() {
			return domain.ErrNotOwnerOrModerator
		}
		return tx.AddMember(ctx, who, s.now())
	})
	if err != nil {
		return wrap("добавление участника", err)
	}
	s.record(ctx, domain.BusinessMetricEventMemberAdded, orgID, caller, nil)
	return nil
}

// RemoveMember исключает участника. Владельца исключить нельзя, модератора может исключить
// только владелец.
func (s *Service) RemoveMember(ctx context.Context, caller, orgID, who common.Address) (err error) {
	defer func(start time.Time) { metrics.ObserveLedgerOperation("remove_member", start, err) }(time.Now())

	err = s.store.WithOrg(ctx, orgID, func(tx domain.OrgTx) error {
		role, err := roleIn(ctx, tx, caller)
		if err != nil {
			return err
		}
		if !role.IsAdmin() {
			return domain.ErrNotOwnerOrModerator
		}
		if who == tx.Organization().Owner {
			return domain.ErrCannotRemoveOwner
		}
		target, ok, err := tx.Membership(ctx, who)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotMember
		}
		if target.IsModerator && role != domain.RoleOwner {
			return domain.ErrNotOwner
		}
		return tx.RemoveMember(ctx, who)
	})
	if err != nil {
		return wrap("исключение участника", err)
	}
	s.record(ctx, domain.BusinessMetricEventMemberRemoved, orgID, caller, nil)
	return nil
}

// AddModerator назначает участника модератором. Только для владельца.
func (s *Service) AddModerator(ctx context.Context, caller, orgID, who common.Address) (err error) {
	defer func(start time.Time) { metrics.ObserveLedgerOperation("add_moderator", start, err) }(time.Now())

	err = s.store.WithOrg(ctx, orgID, func(tx domain.OrgTx) error {
		owner := tx.Organization().Owner
		if caller != owner {
			return domain.ErrNotOwner
		}
		if who == owner {
			return domain.ErrOwnerRoleFixed
		}
		return tx.SetModerator(ctx, who, true)
	})
	if err != nil {
		return wrap("назначение модератора", err)
	}
	s.record(ctx, domain.BusinessMetricEventModeratorAdded, orgID, caller, nil)
	return nil
}

// RemoveModerator снимает модератора. Только для владельца.
func (s *Service) RemoveModerator(ctx context.Context, caller, orgID, who common.Address) (err error) {
	defer func(start time.Time) { metrics.ObserveLedgerOperation("remove_moderator", start, err) }(time.Now())

	err = s.store.WithOrg(ctx, orgID, func(tx domain.OrgTx) error {
		owner := tx.Organization().Owner
		if caller != owner {
			return domain.ErrNotOwner
		}
		if who == owner {
			return domain.ErrOwnerRoleFixed
		}
		target, ok, err := tx.Membership(ctx, who)
		if err != nil {
			return err
		}
		if !ok || !target.IsModerator {
			return domain.ErrNotModerator
		}
		return tx.SetModerator(ctx, who, false)
	})
	if err != nil {
		return wrap("снятие модератора", err)
	}
	s.record(ctx, domain.BusinessMetricEventModeratorRemoved, orgID, caller, nil)
	return nil
}

// IsMember сообщает, состоит ли адрес в организации.
func (s *Service) IsMember(ctx context.Context, orgID, who common.Address) (bool, error) {
	_, ok, err := s.store.GetMembership(ctx, orgID, who)
	if err != nil {
		return false, wrap("проверка участника", err)
	}
	return ok, nil
}

// IsModerator сообщает, является ли адрес модератором.
func (s *Service) IsModerator(ctx context.Context, orgID, who common.Address) (bool, error) {
	m, ok, err := s.store.GetMembership(ctx, orgID, who)
	if err != nil {
		return false, wrap("проверка модератора", err)
	}
	return ok && m.IsModerator, nil
}

// GetOrgMembers возвращает участников в порядке вступления. Доступно владельцу, модераторам и участникам.
func (s *Service) GetOrgMembers(ctx context.Context, caller, orgID common.Address) ([]common.Address, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, wrap("получение организации", err)
	}
	if caller != org.Owner {
		_, ok, err := s.store.GetMembership(ctx, orgID, caller)
		if err != nil {
			return nil, wrap("проверка участника", err)
		}
		if !ok {
			return nil, domain.ErrNotOwnerOrModerator
		}
	}
	members, err := s.store.ListMembers(ctx, orgID)
	if err != nil {
		return nil, wrap("список участников", err)
	}
	out := make([]common.Address, 0, len(members))
	for _, m := range members {
		out = append(out, m.Member)
	}
	return out, nil
}

// SendFeedback добавляет отзыв в журнал. Отправитель и получатель должны состоять в организации.
func (s *Service) SendFeedback(ctx context.Context, caller common.Address, in domain.SendFeedbackInput) (rec domain.FeedbackRecord, err error) {
	defer func(start time.Time) { metrics.ObserveLedgerOperation("send_feedback", start, err) }(time.Now())

	if domain.IsZero(caller) {
		return domain.FeedbackRecord{}, domain.InvalidArgument("Invalid caller")
	}
	in, err = in.Normalize()
	if err != nil {
		return domain.FeedbackRecord{}, err
	}
	err = s.store.WithOrg(ctx, in.OrgID, func(tx domain.OrgTx) error {
		saved, err := tx.AppendFeedback(ctx, domain.FeedbackRecord{
			OrgID:            in.OrgID,
			Sender:           caller,
			Receiver:         in.Receiver,
			Messages:         in.Messages,
			RevealToReceiver: in.RevealToReceiver,
			RevealToAdmin:    in.RevealToAdmin,
			CreatedAt:        s.now(),
		})
		rec = saved
		return err
	})
	if err != nil {
		return domain.FeedbackRecord{}, wrap("отправка отзыва", err)
	}
	s.record(ctx, domain.BusinessMetricEventFeedbackSent, in.OrgID, common.Address{}, map[string]any{
		"index":              rec.Index,
		"reveal_to_receiver": rec.RevealToReceiver,
		"reveal_to_admin":    rec.RevealToAdmin,
	})
	return rec, nil
}

// GetFeedbackCount возвращает общее число записей журнала.
func (s *Service) GetFeedbackCount(ctx context.Context) (int64, error) {
	n, err := s.store.CountFeedback(ctx)
	if err != nil {
		return 0, wrap("подсчёт отзывов", err)
	}
	return n, nil
}

// GetAccessibleFeedbacks возвращает видимые вызывающему записи в порядке добавления,
// маскируя отправителя по флагам раскрытия.
func (s *Service) GetAccessibleFeedbacks(ctx context.Context, caller common.Address) ([]domain.FeedbackView, error) {
	views := make([]domain.FeedbackView, 0)
	if domain.IsZero(caller) {
		return views, nil
	}
	candidates, err := s.store.ListFeedbackCandidates(ctx, caller)
	if err != nil {
		return nil, wrap("выборка отзывов", err)
	}
	for _, c := range candidates {
		if view, ok := domain.ProjectFeedback(c.Record, caller, c.IsAdmin); ok {
			views = append(views, view)
		}
	}
	return views, nil
}

func roleIn(ctx context.Context, tx domain.OrgTx, who common.Address) (domain.Role, error) {
	m, ok, err := tx.Membership(ctx, who)
	if err != nil {
		return domain.RoleNone, err
	}
	return domain.DeriveRole(tx.Organization().Owner == who, ok, ok && m.IsModerator), nil
}

func (s *Service) record(ctx context.Context, event string, orgID, actor common.Address, meta map[string]any) {
	if s.analytics == nil {
		return
	}
	metric := domain.BusinessMetric{
		Event:      event,
		Metadata:   meta,
		OccurredAt: s.now(),
	}
	org := orgID
	metric.OrgID = &org
	if !domain.IsZero(actor) {
		a := actor
		metric.Actor = &a
	}
	if err := s.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("ledger: не удалось сохранить бизнес-метрику")
	}
}

// wrap оставляет ошибки таксономии как есть, остальные дополняет контекстом.
func wrap(op string, err error) error {
	var le *domain.LedgerError
	if errors.As(err, &le) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
