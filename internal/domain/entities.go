package domain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress — анонимный отправитель, которым маскируется скрытый автор отзыва.
var ZeroAddress = common.Address{}

// Organization описывает организацию. ID совпадает с адресом владельца на момент создания.
type Organization struct {
	ID          common.Address
	Name        string
	Description string
	LogoRef     string
	Owner       common.Address
	CreatedAt   time.Time
}

// Membership описывает участника организации.
type Membership struct {
	OrgID       common.Address
	Member      common.Address
	IsModerator bool
	AddedAt     time.Time
}

// ParseAddress разбирает hex-адрес кошелька. Регистр не важен, контрольная сумма не проверяется.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, InvalidArgument("Invalid address")
	}
	return common.HexToAddress(trimmed), nil
}

// NormalizeAddress возвращает адрес в нижнем регистре, так он хранится и участвует в топиках.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// IsZero сообщает, является ли адрес анонимным.
func IsZero(addr common.Address) bool {
	return addr == ZeroAddress
}
