package contract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// orgFeedbackABI — интерфейс развёрнутого контракта OrgFeedback.
const orgFeedbackABI = `[
{"anonymous":false,"name":"FeedbackSent","type":"event","inputs":[
 {"indexed":true,"name":"orgId","type":"address"},
 {"indexed":true,"name":"sender","type":"address"},
 {"indexed":true,"name":"receiver","type":"address"},
 {"indexed":false,"name":"feedbackIndex","type":"uint256"}]},
{"anonymous":false,"name":"MemberAdded","type":"event","inputs":[
 {"indexed":true,"name":"orgId","type":"address"},
 {"indexed":true,"name":"member","type":"address"}]},
{"anonymous":false,"name":"MemberRemoved","type":"event","inputs":[
 {"indexed":true,"name":"orgId","type":"address"},
 {"indexed":true,"name":"member","type":"address"}]},
{"anonymous":false,"name":"OrganizationCreated","type":"event","inputs":[
 {"indexed":true,"name":"orgId","type":"address"},
 {"indexed":false,"name":"owner","type":"address"},
 {"indexed":false,"name":"name","type":"string"}]},
{"name":"addMember","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"orgId","type":"address"},{"name":"member","type":"address"}]},
{"name":"removeMember","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"orgId","type":"address"},{"name":"member","type":"address"}]},
{"name":"addModerator","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"orgId","type":"address"},{"name":"moderator","type":"address"}]},
{"name":"removeModerator","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"orgId","type":"address"},{"name":"moderator","type":"address"}]},
{"name":"createOrganization","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"name","type":"string"},{"name":"description","type":"string"}]},
{"name":"sendFeedback","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"orgId","type":"address"},{"name":"receiver","type":"address"},
 {"name":"forSender","type":"string"},{"name":"forReceiver","type":"string"},{"name":"forAdmin","type":"string"},
 {"name":"revealToReceiver","type":"bool"},{"name":"revealToAdmin","type":"bool"}]},
{"name":"getAccessibleFeedbacks","type":"function","stateMutability":"view","inputs":[],"outputs":[
 {"name":"orgIds","type":"address[]"},{"name":"senders","type":"address[]"},{"name":"receivers","type":"address[]"},
 {"name":"messages","type":"string[]"},{"name":"timestamps","type":"uint256[]"}]},
{"name":"getFeedbackCount","type":"function","stateMutability":"view","inputs":[],"outputs":[
 {"name":"","type":"uint256"}]},
{"name":"getOrgMetadata","type":"function","stateMutability":"view","inputs":[
 {"name":"orgId","type":"address"}],"outputs":[
 {"name":"name","type":"string"},{"name":"description","type":"string"},{"name":"owner","type":"address"}]},
{"name":"getOrgMembers","type":"function","stateMutability":"view","inputs":[
 {"name":"orgId","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
{"name":"getOrganizationsByUser","type":"function","stateMutability":"view","inputs":[
 {"name":"user","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
{"name":"isMember","type":"function","stateMutability":"view","inputs":[
 {"name":"orgId","type":"address"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"name":"isModerator","type":"function","stateMutability":"view","inputs":[
 {"name":"orgId","type":"address"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"name":"totalOrganizations","type":"function","stateMutability":"view","inputs":[],"outputs":[
 {"name":"","type":"uint256"}]}
]`

// metadataWithLogoABI — getOrgMetadata поздних развёртываний, где есть ссылка на логотип.
// Селектор совпадает с трёхпольной версией, отличается только ответ.
const metadataWithLogoABI = `[
{"name":"getOrgMetadata","type":"function","stateMutability":"view","inputs":[
 {"name":"orgId","type":"address"}],"outputs":[
 {"name":"name","type":"string"},{"name":"description","type":"string"},
 {"name":"logo","type":"string"},{"name":"owner","type":"address"}]}
]`

var (
	orgFeedback      = mustParseABI(orgFeedbackABI)
	metadataWithLogo = mustParseABI(metadataWithLogoABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contract: bad abi: " + err.Error())
	}
	return parsed
}

// Методы, которые изменяют состояние и требуют подписи кошелька.
var writeMethods = map[string]struct{}{
	"createOrganization": {},
	"addMember":          {},
	"removeMember":       {},
	"addModerator":       {},
	"removeModerator":    {},
	"sendFeedback":       {},
}

// MethodOf возвращает имя метода контракта по calldata.
func MethodOf(data []byte) (string, error) {
	m, err := orgFeedback.MethodById(data)
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

// IsWriteMethod сообщает, изменяет ли метод состояние.
func IsWriteMethod(name string) bool {
	_, ok := writeMethods[name]
	return ok
}

// PackWrite кодирует вызов изменяющего метода для подписи кошельком.
func PackWrite(method string, args ...any) ([]byte, error) {
	if !IsWriteMethod(method) {
		return nil, errUnknownWriteMethod(method)
	}
	return orgFeedback.Pack(method, args...)
}

// PackWriteArgs кодирует вызов по текстовым аргументам: адреса в hex, bool как true/false.
func PackWriteArgs(method string, args []string) ([]byte, error) {
	m, ok := orgFeedback.Methods[method]
	if !ok || !IsWriteMethod(method) {
		return nil, errUnknownWriteMethod(method)
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("contract: %s takes %d arguments, got %d", method, len(m.Inputs), len(args))
	}
	values := make([]any, len(args))
	for i, in := range m.Inputs {
		switch in.Type.T {
		case abi.AddressTy:
			if !common.IsHexAddress(args[i]) {
				return nil, fmt.Errorf("contract: %s: invalid address %q", in.Name, args[i])
			}
			values[i] = common.HexToAddress(args[i])
		case abi.BoolTy:
			b, err := strconv.ParseBool(args[i])
			if err != nil {
				return nil, fmt.Errorf("contract: %s: %w", in.Name, err)
			}
			values[i] = b
		case abi.StringTy:
			values[i] = args[i]
		default:
			return nil, fmt.Errorf("contract: %s: unsupported type %s", in.Name, in.Type)
		}
	}
	return PackWrite(method, values...)
}
