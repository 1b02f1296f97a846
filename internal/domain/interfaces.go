package domain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrCacheMiss возвращается кэшем, если ключ не найден.
var ErrCacheMiss = errors.New("cache miss")

// ErrChatNotLinked возвращается, если к чату не привязан адрес.
var ErrChatNotLinked = errors.New("chat not linked")

// OrgRepo хранит организации.
type OrgRepo interface {
	// CreateOrganization атомарно создаёт организацию и членство владельца.
	CreateOrganization(ctx context.Context, org Organization) (Organization, error)
	GetOrganization(ctx context.Context, id common.Address) (Organization, error)
	ListOrganizationsByMember(ctx context.Context, user common.Address) ([]Organization, error)
	CountOrganizations(ctx context.Context) (int64, error)
}

// MemberRepo читает членство.
type MemberRepo interface {
	GetMembership(ctx context.Context, orgID, who common.Address) (Membership, bool, error)
	ListMembers(ctx context.Context, orgID common.Address) ([]Membership, error)
}

// FeedbackRepo читает журнал отзывов.
type FeedbackRepo interface {
	CountFeedback(ctx context.Context) (int64, error)
	// ListFeedbackCandidates возвращает в порядке добавления записи, где зритель отправитель или
	// получатель, и записи организаций, которые он администрирует. Выборка согласована.
	ListFeedbackCandidates(ctx context.Context, viewer common.Address) ([]FeedbackCandidate, error)
}

// OrgTx — изменения одной организации внутри транзакции, сериализованной по организации.
type OrgTx interface {
	Organization() Organization
	Membership(ctx context.Context, who common.Address) (Membership, bool, error)
	AddMember(ctx context.Context, who common.Address, at time.Time) error
	RemoveMember(ctx context.Context, who common.Address) error
	SetModerator(ctx context.Context, who common.Address, moderator bool) error
	AppendFeedback(ctx context.Context, rec FeedbackRecord) (FeedbackRecord, error)
}

// LedgerStore — хранилище эталонного реестра.
type LedgerStore interface {
	OrgRepo
	MemberRepo
	FeedbackRepo
	// WithOrg выполняет fn под блокировкой организации. Для неизвестной организации ErrOrgNotFound.
	WithOrg(ctx context.Context, orgID common.Address, fn func(tx OrgTx) error) error
}

// LedgerReader — операции чтения реестра и журнала.
type LedgerReader interface {
	GetOrgMetadata(ctx context.Context, orgID common.Address) (Organization, error)
	GetOrganizationsByUser(ctx context.Context, user common.Address) ([]common.Address, error)
	TotalOrganizations(ctx context.Context) (int64, error)
	IsMember(ctx context.Context, orgID, who common.Address) (bool, error)
	IsModerator(ctx context.Context, orgID, who common.Address) (bool, error)
	GetOrgMembers(ctx context.Context, caller, orgID common.Address) ([]common.Address, error)
	GetFeedbackCount(ctx context.Context) (int64, error)
	GetAccessibleFeedbacks(ctx context.Context, caller common.Address) ([]FeedbackView, error)
}

// LedgerWriter — изменяющие операции. Caller — подтверждённый адрес вызывающего.
type LedgerWriter interface {
	CreateOrganization(ctx context.Context, caller common.Address, name, description string) (Organization, error)
	AddMember(ctx context.Context, caller, orgID, who common.Address) error
	RemoveMember(ctx context.Context, caller, orgID, who common.Address) error
	AddModerator(ctx context.Context, caller, orgID, who common.Address) error
	RemoveModerator(ctx context.Context, caller, orgID, who common.Address) error
	SendFeedback(ctx context.Context, caller common.Address, in SendFeedbackInput) (FeedbackRecord, error)
}

// Ledger объединяет чтение и запись.
type Ledger interface {
	LedgerReader
	LedgerWriter
}

// TxReceipt — итог транзакции в сети.
type TxReceipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// TxRelay отправляет подписанные кошельком транзакции и ждёт их подтверждения.
type TxRelay interface {
	RelayRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (TxReceipt, error)
}

// RequestSubscription — подписка на топик запросов.
type RequestSubscription interface {
	Messages() <-chan []byte
	Close() error
}

// RequestBus — транспорт запросов обратной связи. Доставка не гарантируется.
type RequestBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (RequestSubscription, error)
}

// RequestStore — долговременная выборка опубликованных запросов.
// Если транспорт её не поддерживает, Query возвращает ErrRequestStoreDisabled.
type RequestStore interface {
	Query(ctx context.Context, topic string, since, until time.Time) ([][]byte, error)
}

// Cache — простой кэш байтовых значений.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ChatLink связывает чат Telegram с адресом кошелька.
type ChatLink struct {
	ChatID   int64
	Address  common.Address
	LinkedAt time.Time
}

// ChatLinkRepo хранит привязки чатов.
type ChatLinkRepo interface {
	LinkChat(ctx context.Context, chatID int64, addr common.Address) error
	UnlinkChat(ctx context.Context, chatID int64) error
	GetChatLink(ctx context.Context, chatID int64) (ChatLink, error)
	ListChatLinks(ctx context.Context) ([]ChatLink, error)
}
