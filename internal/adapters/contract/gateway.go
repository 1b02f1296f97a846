package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/metrics"
)

// Config описывает развёрнутый контракт.
type Config struct {
	Contract       common.Address
	ChainID        uint64
	MetadataTTL    time.Duration
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Gateway читает состояние контракта OrgFeedback и ретранслирует подписанные транзакции.
// Изменения выполняет кошелёк пользователя: шлюз ключей не хранит.
type Gateway struct {
	rpc   *Client
	cfg   Config
	cache domain.Cache
	log   zerolog.Logger
}

var _ domain.LedgerReader = (*Gateway)(nil)
var _ domain.TxRelay = (*Gateway)(nil)

// NewGateway создаёт шлюз. cache может быть nil.
func NewGateway(rpc *Client, cfg Config, cache domain.Cache, logger zerolog.Logger) *Gateway {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Gateway{rpc: rpc, cfg: cfg, cache: cache, log: logger}
}

func errUnknownWriteMethod(method string) error {
	return fmt.Errorf("contract: %q is not a state-changing method", method)
}

// CheckNetwork сверяет идентификатор сети узла с настроенным.
func (g *Gateway) CheckNetwork(ctx context.Context) error {
	id, err := g.rpc.ChainID(ctx)
	if err != nil {
		return unavailable(err)
	}
	if g.cfg.ChainID != 0 && id != g.cfg.ChainID {
		return &domain.LedgerError{
			Kind:   domain.KindUnavailable,
			Reason: "Network mismatch",
			Err:    fmt.Errorf("node chain id %d, expected %d", id, g.cfg.ChainID),
		}
	}
	return nil
}

func (g *Gateway) view(ctx context.Context, from common.Address, method string, args ...any) ([]byte, error) {
	data, err := orgFeedback.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("кодирование %s: %w", method, err)
	}
	out, err := g.rpc.Call(ctx, from, g.cfg.Contract, data)
	if err != nil {
		return nil, classifyCallError(err)
	}
	return out, nil
}

func (g *Gateway) viewUnpack(ctx context.Context, from common.Address, method string, args ...any) ([]any, error) {
	out, err := g.view(ctx, from, method, args...)
	if err != nil {
		return nil, err
	}
	values, err := orgFeedback.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("декодирование %s: %w", method, err)
	}
	return values, nil
}

type cachedOrg struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LogoRef     string `json:"logo_ref"`
	Owner       string `json:"owner"`
}

// GetOrgMetadata возвращает метаданные организации. Понимает ответы с логотипом и без.
func (g *Gateway) GetOrgMetadata(ctx context.Context, orgID common.Address) (domain.Organization, error) {
	key := "org:" + domain.NormalizeAddress(orgID)
	if org, ok := g.cachedOrg(ctx, key, orgID); ok {
		return org, nil
	}

	out, err := g.view(ctx, domain.ZeroAddress, "getOrgMetadata", orgID)
	if err != nil {
		return domain.Organization{}, err
	}
	org, err := decodeMetadata(out)
	if err != nil {
		return domain.Organization{}, err
	}
	if domain.IsZero(org.Owner) {
		return domain.Organization{}, domain.ErrOrgNotFound
	}
	org.ID = orgID

	if g.cache != nil && g.cfg.MetadataTTL > 0 {
		raw, _ := json.Marshal(cachedOrg{
			Name:        org.Name,
			Description: org.Description,
			LogoRef:     org.LogoRef,
			Owner:       domain.NormalizeAddress(org.Owner),
		})
		if err := g.cache.Set(ctx, key, raw, g.cfg.MetadataTTL); err != nil {
			g.log.Debug().Err(err).Msg("contract: metadata cache write failed")
		}
	}
	return org, nil
}

func (g *Gateway) cachedOrg(ctx context.Context, key string, orgID common.Address) (domain.Organization, bool) {
	if g.cache == nil || g.cfg.MetadataTTL <= 0 {
		return domain.Organization{}, false
	}
	raw, err := g.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			g.log.Debug().Err(err).Msg("contract: metadata cache read failed")
		}
		return domain.Organization{}, false
	}
	var c cachedOrg
	if err := json.Unmarshal(raw, &c); err != nil || !common.IsHexAddress(c.Owner) {
		return domain.Organization{}, false
	}
	return domain.Organization{
		ID:          orgID,
		Name:        c.Name,
		Description: c.Description,
		LogoRef:     c.LogoRef,
		Owner:       common.HexToAddress(c.Owner),
	}, true
}

// decodeMetadata сначала пробует четырёхпольный ответ: трёхпольный ответ в этой раскладке
// не декодируется, так как адрес владельца оказывается на месте смещения строки.
func decodeMetadata(out []byte) (domain.Organization, error) {
	if values, err := metadataWithLogo.Unpack("getOrgMetadata", out); err == nil && len(values) == 4 {
		return domain.Organization{
			Name:        values[0].(string),
			Description: values[1].(string),
			LogoRef:     values[2].(string),
			Owner:       values[3].(common.Address),
		}, nil
	}
	values, err := orgFeedback.Unpack("getOrgMetadata", out)
	if err != nil {
		return domain.Organization{}, fmt.Errorf("декодирование getOrgMetadata: %w", err)
	}
	return domain.Organization{
		Name:        values[0].(string),
		Description: values[1].(string),
		Owner:       values[2].(common.Address),
	}, nil
}

func (g *Gateway) GetOrganizationsByUser(ctx context.Context, user common.Address) ([]common.Address, error) {
	values, err := g.viewUnpack(ctx, user, "getOrganizationsByUser", user)
	if err != nil {
		return nil, err
	}
	return values[0].([]common.Address), nil
}

func (g *Gateway) TotalOrganizations(ctx context.Context) (int64, error) {
	values, err := g.viewUnpack(ctx, domain.ZeroAddress, "totalOrganizations")
	if err != nil {
		return 0, err
	}
	return values[0].(*big.Int).Int64(), nil
}

func (g *Gateway) IsMember(ctx context.Context, orgID, who common.Address) (bool, error) {
	values, err := g.viewUnpack(ctx, who, "isMember", orgID, who)
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

func (g *Gateway) IsModerator(ctx context.Context, orgID, who common.Address) (bool, error) {
	values, err := g.viewUnpack(ctx, who, "isModerator", orgID, who)
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

// GetOrgMembers вызывает контракт от имени caller: доступ проверяет сам контракт.
func (g *Gateway) GetOrgMembers(ctx context.Context, caller, orgID common.Address) ([]common.Address, error) {
	values, err := g.viewUnpack(ctx, caller, "getOrgMembers", orgID)
	if err != nil {
		return nil, err
	}
	return values[0].([]common.Address), nil
}

func (g *Gateway) GetFeedbackCount(ctx context.Context) (int64, error) {
	values, err := g.viewUnpack(ctx, domain.ZeroAddress, "getFeedbackCount")
	if err != nil {
		return 0, err
	}
	return values[0].(*big.Int).Int64(), nil
}

// GetAccessibleFeedbacks читает пять массивов от имени caller и собирает из них записи.
// Отношение администратора проверяется по реестру для каждой встреченной организации.
func (g *Gateway) GetAccessibleFeedbacks(ctx context.Context, caller common.Address) ([]domain.FeedbackView, error) {
	cols, err := g.AccessibleColumns(ctx, caller)
	if err != nil {
		return nil, err
	}

	admin := make(map[common.Address]bool)
	for _, org := range cols.OrgIDs {
		if _, seen := admin[org]; seen {
			continue
		}
		isAdmin, err := g.isAdmin(ctx, org, caller)
		if err != nil {
			return nil, err
		}
		admin[org] = isAdmin
	}
	return cols.Zip(caller, func(org common.Address) bool { return admin[org] })
}

// AccessibleColumns возвращает ответ getAccessibleFeedbacks как есть.
func (g *Gateway) AccessibleColumns(ctx context.Context, caller common.Address) (domain.AccessibleFeedbacks, error) {
	values, err := g.viewUnpack(ctx, caller, "getAccessibleFeedbacks")
	if err != nil {
		return domain.AccessibleFeedbacks{}, err
	}
	stamps := values[4].([]*big.Int)
	cols := domain.AccessibleFeedbacks{
		OrgIDs:     values[0].([]common.Address),
		Senders:    values[1].([]common.Address),
		Receivers:  values[2].([]common.Address),
		Messages:   values[3].([]string),
		Timestamps: make([]time.Time, len(stamps)),
	}
	for i, ts := range stamps {
		cols.Timestamps[i] = time.Unix(ts.Int64(), 0).UTC()
	}
	return cols, nil
}

func (g *Gateway) isAdmin(ctx context.Context, orgID, who common.Address) (bool, error) {
	if domain.IsZero(who) {
		return false, nil
	}
	org, err := g.GetOrgMetadata(ctx, orgID)
	switch {
	case err == nil && org.Owner == who:
		return true, nil
	case err != nil && domain.KindOf(err) != domain.KindNotFound:
		return false, err
	}
	return g.IsModerator(ctx, orgID, who)
}

// classifyCallError переводит ошибку узла в таксономию реестра.
func classifyCallError(err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return unavailable(err)
	}
	text := rpcErr.Message
	if reason, ok := revertReasonFromData(rpcErr.Data); ok {
		text = reason
	}
	le := domain.ClassifyRevert(text)
	le.Err = rpcErr
	return le
}

func revertReasonFromData(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", false
	}
	if !strings.HasPrefix(raw, "0x") {
		return "", false
	}
	revert, err := hexutil.Decode(raw)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(revert)
	if err != nil {
		return "", false
	}
	return reason, true
}

func unavailable(err error) error {
	le := domain.ClassifyRevert(err.Error())
	if le.Kind == domain.KindUnknown {
		le = &domain.LedgerError{Kind: domain.KindUnavailable, Reason: "RPC unavailable"}
	}
	le.Err = err
	metrics.LedgerOperationsTotal.WithLabelValues("rpc", string(le.Kind)).Inc()
	return le
}
