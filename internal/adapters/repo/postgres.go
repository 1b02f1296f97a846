package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/metrics"
	"org-feedback/migrations"
)

// Postgres реализует хранилище реестра на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.LedgerStore = (*Postgres)(nil)
var _ domain.BusinessMetricRepo = (*Postgres)(nil)
var _ domain.ChatLinkRepo = (*Postgres)(nil)

const (
	uniqueViolation          = "23505"
	constraintOrgPK          = "organizations_pkey"
	constraintOrgOwner       = "organizations_owner_key"
	constraintOrgMembersPKey = "org_members_pkey"
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Migrate применяет встроенные SQL-миграции. Миграции идемпотентны.
func (p *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return fmt.Errorf("чтение миграции %s: %w", name, err)
		}
		start := time.Now()
		_, err = p.pool.Exec(ctx, string(body))
		metrics.ObserveNetworkRequest("postgres", "migrate", name, start, err)
		if err != nil {
			return fmt.Errorf("миграция %s: %w", name, err)
		}
	}
	return nil
}

func addr(a common.Address) string {
	return domain.NormalizeAddress(a)
}

func isUnique(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

const orgColumns = `id, name, description, logo_ref, owner, created_at`

func scanOrg(row pgx.Row) (domain.Organization, error) {
	var (
		org       domain.Organization
		id, owner string
	)
	if err := row.Scan(&id, &org.Name, &org.Description, &org.LogoRef, &owner, &org.CreatedAt); err != nil {
		return domain.Organization{}, err
	}
	org.ID = common.HexToAddress(id)
	org.Owner = common.HexToAddress(owner)
	org.CreatedAt = org.CreatedAt.UTC()
	return org, nil
}

// CreateOrganization создаёт организацию и членство владельца одной транзакцией.
func (p *Postgres) CreateOrganization(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "organizations", start, err)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	created, err := scanOrg(tx.QueryRow(ctx, `
INSERT INTO organizations (id, name, description, logo_ref, owner, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+orgColumns, addr(org.ID), org.Name, org.Description, org.LogoRef, addr(org.Owner), org.CreatedAt))
	metrics.ObserveNetworkRequest("postgres", "organizations_insert", "organizations", start, err)
	if err != nil {
		if isUnique(err, constraintOrgOwner) || isUnique(err, constraintOrgPK) {
			return domain.Organization{}, domain.ErrAlreadyOwner
		}
		return domain.Organization{}, fmt.Errorf("создание организации: %w", err)
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO org_members (org_id, member, is_moderator, added_at)
VALUES ($1, $2, false, $3)
`, addr(created.ID), addr(created.Owner), created.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "org_members_insert", "org_members", start, err)
	if err != nil {
		return domain.Organization{}, fmt.Errorf("членство владельца: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Organization{}, err
	}
	return created, nil
}

func (p *Postgres) GetOrganization(ctx context.Context, id common.Address) (domain.Organization, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	org, err := scanOrg(p.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id=$1`, addr(id)))
	metrics.ObserveNetworkRequest("postgres", "organizations_get", "organizations", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Organization{}, domain.ErrOrgNotFound
	}
	return org, err
}

func (p *Postgres) ListOrganizationsByMember(ctx context.Context, user common.Address) ([]domain.Organization, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT o.id, o.name, o.description, o.logo_ref, o.owner, o.created_at
FROM organizations o
JOIN org_members m ON m.org_id = o.id
WHERE m.member = $1
ORDER BY o.seq
`, addr(user))
	metrics.ObserveNetworkRequest("postgres", "organizations_by_member", "organizations", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (p *Postgres) CountOrganizations(ctx context.Context) (int64, error) {
	return p.count(ctx, "organizations")
}

func (p *Postgres) CountFeedback(ctx context.Context) (int64, error) {
	return p.count(ctx, "feedbacks")
}

func (p *Postgres) count(ctx context.Context, table string) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var n int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM `+pgx.Identifier{table}.Sanitize()).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", table+"_count", table, start, err)
	return n, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getMembership(ctx context.Context, q querier, orgID, who common.Address) (domain.Membership, bool, error) {
	m := domain.Membership{OrgID: orgID, Member: who}
	start := time.Now()
	err := q.QueryRow(ctx, `
SELECT is_moderator, added_at FROM org_members WHERE org_id=$1 AND member=$2
`, addr(orgID), addr(who)).Scan(&m.IsModerator, &m.AddedAt)
	metrics.ObserveNetworkRequest("postgres", "org_members_get", "org_members", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Membership{}, false, nil
	}
	if err != nil {
		return domain.Membership{}, false, err
	}
	m.AddedAt = m.AddedAt.UTC()
	return m, true, nil
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func (p *Postgres) GetMembership(ctx context.Context, orgID, who common.Address) (domain.Membership, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return getMembership(ctx, p.pool, orgID, who)
}

// ListMembers возвращает участников в порядке вступления.
func (p *Postgres) ListMembers(ctx context.Context, orgID common.Address) ([]domain.Membership, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT o.id IS NOT NULL, m.member, m.is_moderator, m.added_at
FROM (SELECT $1::text AS id) req
LEFT JOIN organizations o ON o.id = req.id
LEFT JOIN org_members m ON m.org_id = o.id
ORDER BY m.seq
`, addr(orgID))
	metrics.ObserveNetworkRequest("postgres", "org_members_list", "org_members", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exists := false
	var out []domain.Membership
	for rows.Next() {
		var (
			orgExists bool
			member    *string
			isMod     *bool
			addedAt   *time.Time
		)
		if err := rows.Scan(&orgExists, &member, &isMod, &addedAt); err != nil {
			return nil, err
		}
		exists = orgExists
		if member == nil {
			continue
		}
		out = append(out, domain.Membership{
			OrgID:       orgID,
			Member:      common.HexToAddress(*member),
			IsModerator: isMod != nil && *isMod,
			AddedAt:     addedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrOrgNotFound
	}
	return out, nil
}

// ListFeedbackCandidates читает кандидатов одним запросом, чтобы выборка была согласованной.
func (p *Postgres) ListFeedbackCandidates(ctx context.Context, viewer common.Address) ([]domain.FeedbackCandidate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
WITH admin_orgs AS (
    SELECT id AS org_id FROM organizations WHERE owner = $1
    UNION
    SELECT org_id FROM org_members WHERE member = $1 AND is_moderator
)
SELECT f.idx, f.org_id, f.sender, f.receiver, f.for_sender, f.for_receiver, f.for_admin,
       f.reveal_to_receiver, f.reveal_to_admin, f.created_at, a.org_id IS NOT NULL
FROM feedbacks f
LEFT JOIN admin_orgs a ON a.org_id = f.org_id
WHERE f.sender = $1 OR f.receiver = $1 OR a.org_id IS NOT NULL
ORDER BY f.idx
`, addr(viewer))
	metrics.ObserveNetworkRequest("postgres", "feedbacks_candidates", "feedbacks", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FeedbackCandidate
	for rows.Next() {
		var c domain.FeedbackCandidate
		var orgID, sender, receiver string
		err := rows.Scan(&c.Record.Index, &orgID, &sender, &receiver,
			&c.Record.Messages.ForSender, &c.Record.Messages.ForReceiver, &c.Record.Messages.ForAdmin,
			&c.Record.RevealToReceiver, &c.Record.RevealToAdmin, &c.Record.CreatedAt, &c.IsAdmin)
		if err != nil {
			return nil, err
		}
		c.Record.OrgID = common.HexToAddress(orgID)
		c.Record.Sender = common.HexToAddress(sender)
		c.Record.Receiver = common.HexToAddress(receiver)
		c.Record.CreatedAt = c.Record.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// WithOrg блокирует строку организации (SELECT ... FOR UPDATE) на время fn. Изменения
// одной организации сериализуются, разные организации не мешают друг другу.
func (p *Postgres) WithOrg(ctx context.Context, orgID common.Address, fn func(tx domain.OrgTx) error) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "organizations", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	org, err := scanOrg(tx.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id=$1 FOR UPDATE`, addr(orgID)))
	metrics.ObserveNetworkRequest("postgres", "organizations_lock", "organizations", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrOrgNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(&pgOrgTx{tx: tx, org: org}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgOrgTx struct {
	tx  pgx.Tx
	org domain.Organization
}

func (t *pgOrgTx) Organization() domain.Organization {
	return t.org
}

func (t *pgOrgTx) Membership(ctx context.Context, who common.Address) (domain.Membership, bool, error) {
	return getMembership(ctx, t.tx, t.org.ID, who)
}

func (t *pgOrgTx) AddMember(ctx context.Context, who common.Address, at time.Time) error {
	start := time.Now()
	res, err := t.tx.Exec(ctx, `
INSERT INTO org_members (org_id, member, is_moderator, added_at)
VALUES ($1, $2, false, $3)
ON CONFLICT ON CONSTRAINT `+constraintOrgMembersPKey+` DO NOTHING
`, addr(t.org.ID), addr(who), at)
	metrics.ObserveNetworkRequest("postgres", "org_members_insert", "org_members", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrAlreadyMember
	}
	return nil
}

func (t *pgOrgTx) RemoveMember(ctx context.Context, who common.Address) error {
	start := time.Now()
	res, err := t.tx.Exec(ctx, `DELETE FROM org_members WHERE org_id=$1 AND member=$2`, addr(t.org.ID), addr(who))
	metrics.ObserveNetworkRequest("postgres", "org_members_delete", "org_members", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (t *pgOrgTx) SetModerator(ctx context.Context, who common.Address, moderator bool) error {
	m, ok, err := t.Membership(ctx, who)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		return domain.ErrMustBeMember
	case moderator && m.IsModerator:
		return domain.ErrAlreadyModerator
	case !moderator && !m.IsModerator:
		return domain.ErrNotModerator
	}
	start := time.Now()
	_, err = t.tx.Exec(ctx, `UPDATE org_members SET is_moderator=$3 WHERE org_id=$1 AND member=$2`,
		addr(t.org.ID), addr(who), moderator)
	metrics.ObserveNetworkRequest("postgres", "org_members_set_moderator", "org_members", start, err)
	return err
}

// AppendFeedback добавляет запись. Проверки членства выполняются под блокировкой организации.
func (t *pgOrgTx) AppendFeedback(ctx context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	if _, ok, err := t.Membership(ctx, rec.Sender); err != nil {
		return domain.FeedbackRecord{}, err
	} else if !ok {
		return domain.FeedbackRecord{}, domain.ErrNotMember
	}
	if _, ok, err := t.Membership(ctx, rec.Receiver); err != nil {
		return domain.FeedbackRecord{}, err
	} else if !ok {
		return domain.FeedbackRecord{}, domain.ErrReceiverNotMember
	}

	rec.OrgID = t.org.ID
	start := time.Now()
	err := t.tx.QueryRow(ctx, `
INSERT INTO feedbacks (org_id, sender, receiver, for_sender, for_receiver, for_admin,
                       reveal_to_receiver, reveal_to_admin, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING idx
`, addr(rec.OrgID), addr(rec.Sender), addr(rec.Receiver),
		rec.Messages.ForSender, rec.Messages.ForReceiver, rec.Messages.ForAdmin,
		rec.RevealToReceiver, rec.RevealToAdmin, rec.CreatedAt).Scan(&rec.Index)
	metrics.ObserveNetworkRequest("postgres", "feedbacks_insert", "feedbacks", start, err)
	if err != nil {
		return domain.FeedbackRecord{}, err
	}
	return rec, nil
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var orgID, actor *string
	if metric.OrgID != nil {
		v := addr(*metric.OrgID)
		orgID = &v
	}
	if metric.Actor != nil {
		v := addr(*metric.Actor)
		actor = &v
	}
	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, org_id, actor, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, orgID, actor, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

// LinkChat привязывает чат к адресу, заменяя прежнюю привязку.
func (p *Postgres) LinkChat(ctx context.Context, chatID int64, a common.Address) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO telegram_links (chat_id, address, linked_at)
VALUES ($1, $2, now())
ON CONFLICT (chat_id) DO UPDATE SET address=EXCLUDED.address, linked_at=EXCLUDED.linked_at
`, chatID, addr(a))
	metrics.ObserveNetworkRequest("postgres", "telegram_links_upsert", "telegram_links", start, err)
	return err
}

func (p *Postgres) UnlinkChat(ctx context.Context, chatID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM telegram_links WHERE chat_id=$1`, chatID)
	metrics.ObserveNetworkRequest("postgres", "telegram_links_delete", "telegram_links", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrChatNotLinked
	}
	return nil
}

func (p *Postgres) GetChatLink(ctx context.Context, chatID int64) (domain.ChatLink, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	link := domain.ChatLink{ChatID: chatID}
	var a string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT address, linked_at FROM telegram_links WHERE chat_id=$1`, chatID).Scan(&a, &link.LinkedAt)
	metrics.ObserveNetworkRequest("postgres", "telegram_links_get", "telegram_links", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatLink{}, domain.ErrChatNotLinked
	}
	if err != nil {
		return domain.ChatLink{}, err
	}
	link.Address = common.HexToAddress(a)
	return link, nil
}

func (p *Postgres) ListChatLinks(ctx context.Context) ([]domain.ChatLink, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT chat_id, address, linked_at FROM telegram_links ORDER BY chat_id`)
	metrics.ObserveNetworkRequest("postgres", "telegram_links_list", "telegram_links", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatLink
	for rows.Next() {
		var (
			link domain.ChatLink
			a    string
		)
		if err := rows.Scan(&link.ChatID, &a, &link.LinkedAt); err != nil {
			return nil, err
		}
		link.Address = common.HexToAddress(strings.TrimSpace(a))
		out = append(out, link)
	}
	return out, rows.Err()
}
