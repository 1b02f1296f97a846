package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"org-feedback/internal/domain"
)

// Store — потокобезопасная реализация хранилища реестра в памяти.
// Используется в тестах и при локальной разработке.
type Store struct {
	mu        sync.RWMutex
	orgs      map[common.Address]domain.Organization
	orgOrder  []common.Address
	ownerOf   map[common.Address]common.Address
	members   map[common.Address][]domain.Membership
	feedbacks []domain.FeedbackRecord
	metrics   []domain.BusinessMetric
	links     map[int64]domain.ChatLink
}

var _ domain.LedgerStore = (*Store)(nil)
var _ domain.BusinessMetricRepo = (*Store)(nil)
var _ domain.ChatLinkRepo = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		orgs:    make(map[common.Address]domain.Organization),
		ownerOf: make(map[common.Address]common.Address),
		members: make(map[common.Address][]domain.Membership),
		links:   make(map[int64]domain.ChatLink),
	}
}

// Organizations ---------------------------------------------------------------

func (s *Store) CreateOrganization(_ context.Context, org domain.Organization) (domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ownerOf[org.Owner]; exists {
		return domain.Organization{}, domain.ErrAlreadyOwner
	}
	if _, exists := s.orgs[org.ID]; exists {
		return domain.Organization{}, domain.ErrAlreadyOwner
	}
	s.orgs[org.ID] = org
	s.orgOrder = append(s.orgOrder, org.ID)
	s.ownerOf[org.Owner] = org.ID
	s.members[org.ID] = []domain.Membership{{OrgID: org.ID, Member: org.Owner, AddedAt: org.CreatedAt}}
	return org, nil
}

func (s *Store) GetOrganization(_ context.Context, id common.Address) (domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok {
		return domain.Organization{}, domain.ErrOrgNotFound
	}
	return org, nil
}

func (s *Store) ListOrganizationsByMember(_ context.Context, user common.Address) ([]domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Organization
	for _, id := range s.orgOrder {
		if _, ok := s.findMemberLocked(id, user); ok {
			out = append(out, s.orgs[id])
		}
	}
	return out, nil
}

func (s *Store) CountOrganizations(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.orgs)), nil
}

// Membership ------------------------------------------------------------------

func (s *Store) GetMembership(_ context.Context, orgID, who common.Address) (domain.Membership, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.findMemberLocked(orgID, who)
	if !ok {
		return domain.Membership{}, false, nil
	}
	return s.members[orgID][idx], true, nil
}

func (s *Store) ListMembers(_ context.Context, orgID common.Address) ([]domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.orgs[orgID]; !ok {
		return nil, domain.ErrOrgNotFound
	}
	out := make([]domain.Membership, len(s.members[orgID]))
	copy(out, s.members[orgID])
	return out, nil
}

func (s *Store) findMemberLocked(orgID, who common.Address) (int, bool) {
	for i, m := range s.members[orgID] {
		if m.Member == who {
			return i, true
		}
	}
	return -1, false
}

// Feedback --------------------------------------------------------------------

func (s *Store) CountFeedback(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.feedbacks)), nil
}

func (s *Store) ListFeedbackCandidates(_ context.Context, viewer common.Address) ([]domain.FeedbackCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	admin := make(map[common.Address]bool)
	for id, org := range s.orgs {
		if org.Owner == viewer {
			admin[id] = true
			continue
		}
		if idx, ok := s.findMemberLocked(id, viewer); ok && s.members[id][idx].IsModerator {
			admin[id] = true
		}
	}

	var out []domain.FeedbackCandidate
	for _, rec := range s.feedbacks {
		isAdmin := admin[rec.OrgID]
		if rec.Sender == viewer || rec.Receiver == viewer || isAdmin {
			out = append(out, domain.FeedbackCandidate{Record: rec, IsAdmin: isAdmin})
		}
	}
	return out, nil
}

// WithOrg выполняет fn под эксклюзивной блокировкой всего хранилища.
func (s *Store) WithOrg(_ context.Context, orgID common.Address, fn func(tx domain.OrgTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[orgID]
	if !ok {
		return domain.ErrOrgNotFound
	}
	return fn(&orgTx{store: s, org: org})
}

type orgTx struct {
	store *Store
	org   domain.Organization
}

func (t *orgTx) Organization() domain.Organization {
	return t.org
}

func (t *orgTx) Membership(_ context.Context, who common.Address) (domain.Membership, bool, error) {
	idx, ok := t.store.findMemberLocked(t.org.ID, who)
	if !ok {
		return domain.Membership{}, false, nil
	}
	return t.store.members[t.org.ID][idx], true, nil
}

func (t *orgTx) AddMember(_ context.Context, who common.Address, at time.Time) error {
	if _, ok := t.store.findMemberLocked(t.org.ID, who); ok {
		return domain.ErrAlreadyMember
	}
	t.store.members[t.org.ID] = append(t.store.members[t.org.ID], domain.Membership{
		OrgID:   t.org.ID,
		Member:  who,
		AddedAt: at,
	})
	return nil
}

func (t *orgTx) RemoveMember(_ context.Context, who common.Address) error {
	idx, ok := t.store.findMemberLocked(t.org.ID, who)
	if !ok {
		return domain.ErrNotMember
	}
	list := t.store.members[t.org.ID]
	t.store.members[t.org.ID] = append(list[:idx:idx], list[idx+1:]...)
	return nil
}

func (t *orgTx) SetModerator(_ context.Context, who common.Address, moderator bool) error {
	idx, ok := t.store.findMemberLocked(t.org.ID, who)
	if !ok {
		return domain.ErrMustBeMember
	}
	m := &t.store.members[t.org.ID][idx]
	switch {
	case moderator && m.IsModerator:
		return domain.ErrAlreadyModerator
	case !moderator && !m.IsModerator:
		return domain.ErrNotModerator
	}
	m.IsModerator = moderator
	return nil
}

func (t *orgTx) AppendFeedback(_ context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	if _, ok := t.store.findMemberLocked(t.org.ID, rec.Sender); !ok {
		return domain.FeedbackRecord{}, domain.ErrNotMember
	}
	if _, ok := t.store.findMemberLocked(t.org.ID, rec.Receiver); !ok {
		return domain.FeedbackRecord{}, domain.ErrReceiverNotMember
	}
	rec.OrgID = t.org.ID
	rec.Index = int64(len(t.store.feedbacks))
	t.store.feedbacks = append(t.store.feedbacks, rec)
	return rec, nil
}

// Business metrics ------------------------------------------------------------

func (s *Store) RecordBusinessMetric(_ context.Context, metric domain.BusinessMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metric)
	return nil
}

// BusinessMetrics возвращает копию записанных событий.
func (s *Store) BusinessMetrics() []domain.BusinessMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BusinessMetric, len(s.metrics))
	copy(out, s.metrics)
	return out
}

// Chat links ------------------------------------------------------------------

func (s *Store) LinkChat(_ context.Context, chatID int64, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[chatID] = domain.ChatLink{ChatID: chatID, Address: addr, LinkedAt: time.Now().UTC()}
	return nil
}

func (s *Store) UnlinkChat(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[chatID]; !ok {
		return domain.ErrChatNotLinked
	}
	delete(s.links, chatID)
	return nil
}

func (s *Store) GetChatLink(_ context.Context, chatID int64) (domain.ChatLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[chatID]
	if !ok {
		return domain.ChatLink{}, domain.ErrChatNotLinked
	}
	return link, nil
}

func (s *Store) ListChatLinks(_ context.Context) ([]domain.ChatLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChatLink, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}
