package orgview

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"org-feedback/internal/domain"
)

// OrgStatus — роль адреса в организации и доступные ему действия.
// Значение подсказочное: права проверяет реестр.
type OrgStatus struct {
	Org          domain.Organization
	Viewer       common.Address
	IsMember     bool
	IsModerator  bool
	Role         domain.Role
	Capabilities domain.Capabilities
}

// Service вычисляет роли поверх любого источника чтения реестра.
type Service struct {
	reader domain.LedgerReader
}

// NewService создаёт сервис.
func NewService(reader domain.LedgerReader) *Service {
	return &Service{reader: reader}
}

// Status возвращает роль viewer в организации orgID.
func (s *Service) Status(ctx context.Context, orgID, viewer common.Address) (OrgStatus, error) {
	org, err := s.reader.GetOrgMetadata(ctx, orgID)
	if err != nil {
		return OrgStatus{}, err
	}
	return s.statusFor(ctx, org, viewer)
}

// StatusMany возвращает роли нескольких адресов, организация читается один раз.
func (s *Service) StatusMany(ctx context.Context, orgID common.Address, viewers []common.Address) ([]OrgStatus, error) {
	org, err := s.reader.GetOrgMetadata(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]OrgStatus, 0, len(viewers))
	for _, v := range viewers {
		st, err := s.statusFor(ctx, org, v)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) statusFor(ctx context.Context, org domain.Organization, viewer common.Address) (OrgStatus, error) {
	isMember, err := s.reader.IsMember(ctx, org.ID, viewer)
	if err != nil {
		return OrgStatus{}, fmt.Errorf("isMember: %w", err)
	}
	isModerator, err := s.reader.IsModerator(ctx, org.ID, viewer)
	if err != nil {
		return OrgStatus{}, fmt.Errorf("isModerator: %w", err)
	}
	role := domain.DeriveRole(org.Owner == viewer, isMember, isModerator)
	return OrgStatus{
		Org:          org,
		Viewer:       viewer,
		IsMember:     isMember,
		IsModerator:  isModerator,
		Role:         role,
		Capabilities: domain.CapabilitiesFor(role),
	}, nil
}
