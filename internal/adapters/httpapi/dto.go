package httpapi

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"org-feedback/internal/domain"
	"org-feedback/internal/usecase/orgview"
)

type loginRequest struct {
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	Address   string    `json:"address"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type createOrgRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type orgDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	LogoRef     string    `json:"logo_ref,omitempty"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

func toOrgDTO(org domain.Organization) orgDTO {
	return orgDTO{
		ID:          org.ID.Hex(),
		Name:        org.Name,
		Description: org.Description,
		LogoRef:     org.LogoRef,
		Owner:       org.Owner.Hex(),
		CreatedAt:   org.CreatedAt,
	}
}

type statusDTO struct {
	Org          orgDTO              `json:"org"`
	Viewer       string              `json:"viewer"`
	Role         string              `json:"role"`
	Label        string              `json:"label"`
	IsMember     bool                `json:"is_member"`
	IsModerator  bool                `json:"is_moderator"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

func toStatusDTO(st orgview.OrgStatus) statusDTO {
	return statusDTO{
		Org:          toOrgDTO(st.Org),
		Viewer:       st.Viewer.Hex(),
		Role:         string(st.Role),
		Label:        st.Role.Label(),
		IsMember:     st.IsMember,
		IsModerator:  st.IsModerator,
		Capabilities: st.Capabilities,
	}
}

type memberStatusDTO struct {
	Address     string `json:"address"`
	IsMember    bool   `json:"is_member"`
	IsModerator bool   `json:"is_moderator"`
}

type sendFeedbackRequest struct {
	OrgID            string `json:"org_id"`
	Receiver         string `json:"receiver"`
	ForSender        string `json:"for_sender"`
	ForReceiver      string `json:"for_receiver"`
	ForAdmin         string `json:"for_admin"`
	RevealToReceiver bool   `json:"reveal_to_receiver"`
	RevealToAdmin    bool   `json:"reveal_to_admin"`
	// Seal упаковывает сообщение для получателя и администраторов в незашифрованный конверт.
	Seal bool `json:"seal"`
}

type feedbackDTO struct {
	Index     *int64    `json:"index,omitempty"`
	OrgID     string    `json:"org_id"`
	Sender    string    `json:"sender"`
	Anonymous bool      `json:"anonymous"`
	Receiver  string    `json:"receiver"`
	Message   string    `json:"message"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Relation  string    `json:"relation"`
}

func toFeedbackDTO(v domain.FeedbackView) feedbackDTO {
	text, _ := domain.OpenEnvelope(v.Message)
	var index *int64
	if v.Index != domain.NoIndex {
		index = &v.Index
	}
	return feedbackDTO{
		Index:     index,
		OrgID:     v.OrgID.Hex(),
		Sender:    v.Sender.Hex(),
		Anonymous: domain.IsZero(v.Sender),
		Receiver:  v.Receiver.Hex(),
		Message:   v.Message,
		Text:      text,
		Timestamp: v.Timestamp,
		Relation:  string(v.Relation),
	}
}

type columnsDTO struct {
	OrgIDs     []string `json:"org_ids"`
	Senders    []string `json:"senders"`
	Receivers  []string `json:"receivers"`
	Messages   []string `json:"messages"`
	Timestamps []int64  `json:"timestamps"`
}

func toColumnsDTO(cols domain.AccessibleFeedbacks) columnsDTO {
	out := columnsDTO{
		OrgIDs:     hexes(cols.OrgIDs),
		Senders:    hexes(cols.Senders),
		Receivers:  hexes(cols.Receivers),
		Messages:   append([]string{}, cols.Messages...),
		Timestamps: make([]int64, len(cols.Timestamps)),
	}
	for i, ts := range cols.Timestamps {
		out.Timestamps[i] = ts.Unix()
	}
	return out
}

func hexes(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

type sendRequestsRequest struct {
	Receivers []string `json:"receivers"`
	Message   string   `json:"message"`
}

type requestDTO struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func toRequestDTO(req domain.FeedbackRequest) requestDTO {
	return requestDTO{
		ID:        req.ID,
		Sender:    req.Sender.Hex(),
		Receiver:  req.Receiver.Hex(),
		Message:   req.Message,
		Timestamp: req.Timestamp.UnixMilli(),
	}
}

type relayRequest struct {
	RawTx string `json:"raw_tx"`
	Wait  *bool  `json:"wait,omitempty"`
}

type receiptDTO struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	Success     bool   `json:"success"`
	Pending     bool   `json:"pending,omitempty"`
}
