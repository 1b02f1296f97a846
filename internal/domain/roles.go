package domain

// Role описывает роль адреса внутри организации.
type Role string

const (
	RoleNone      Role = "none"
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleOwner     Role = "owner"
)

// Capabilities описывает действия, доступные роли. Используется только для подсказок в интерфейсе,
// права проверяет сам реестр.
type Capabilities struct {
	ManageMembers    bool `json:"manage_members"`
	ManageModerators bool `json:"manage_moderators"`
	ViewMembers      bool `json:"view_members"`
	SendFeedback     bool `json:"send_feedback"`
	ViewOrgFeedback  bool `json:"view_org_feedback"`
}

var capabilities = map[Role]Capabilities{
	RoleOwner: {
		ManageMembers:    true,
		ManageModerators: true,
		ViewMembers:      true,
		SendFeedback:     true,
		ViewOrgFeedback:  true,
	},
	RoleModerator: {
		ManageMembers:   true,
		ViewMembers:     true,
		SendFeedback:    true,
		ViewOrgFeedback: true,
	},
	RoleMember: {
		ViewMembers:  true,
		SendFeedback: true,
	},
	RoleNone: {},
}

// DeriveRole вычисляет роль по трём внешним предикатам в порядке Owner > Moderator > Member > None.
func DeriveRole(isOwnerMatch, isMember, isModerator bool) Role {
	switch {
	case isOwnerMatch:
		return RoleOwner
	case isModerator:
		return RoleModerator
	case isMember:
		return RoleMember
	default:
		return RoleNone
	}
}

// CapabilitiesFor возвращает набор действий для роли.
func CapabilitiesFor(role Role) Capabilities {
	return capabilities[role]
}

// IsAdmin сообщает, относится ли роль к администраторам организации.
func (r Role) IsAdmin() bool {
	return r == RoleOwner || r == RoleModerator
}

// Label возвращает подпись роли для людей.
func (r Role) Label() string {
	switch r {
	case RoleOwner:
		return "Owner (can manage everything)"
	case RoleModerator:
		return "Moderator (can manage members)"
	case RoleMember:
		return "Member (can view/send feedback)"
	default:
		return "Not a member"
	}
}
