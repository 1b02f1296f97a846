package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxMessageBytes ограничивает размер одного варианта сообщения.
const MaxMessageBytes = 16 << 10

// FeedbackMessages хранит три варианта полезной нагрузки: для отправителя, получателя и администраторов.
type FeedbackMessages struct {
	ForSender   string
	ForReceiver string
	ForAdmin    string
}

// FeedbackRecord — неизменяемая запись журнала. Sender всегда хранится настоящим.
type FeedbackRecord struct {
	Index            int64
	OrgID            common.Address
	Sender           common.Address
	Receiver         common.Address
	Messages         FeedbackMessages
	RevealToReceiver bool
	RevealToAdmin    bool
	CreatedAt        time.Time
}

// SendFeedbackInput описывает новый отзыв.
type SendFeedbackInput struct {
	OrgID            common.Address
	Receiver         common.Address
	Messages         FeedbackMessages
	RevealToReceiver bool
	RevealToAdmin    bool
}

// Normalize подставляет сообщение отправителя в пустые слоты и проверяет размеры.
func (in SendFeedbackInput) Normalize() (SendFeedbackInput, error) {
	if strings.TrimSpace(in.Messages.ForSender) == "" {
		return in, InvalidArgument("Message is empty")
	}
	if in.Messages.ForReceiver == "" {
		in.Messages.ForReceiver = in.Messages.ForSender
	}
	if in.Messages.ForAdmin == "" {
		in.Messages.ForAdmin = in.Messages.ForSender
	}
	if len(in.Messages.ForSender) > MaxMessageBytes {
		return in, InvalidArgument(fmt.Sprintf("Message exceeds %d bytes", MaxMessageBytes))
	}
	for _, m := range []string{in.Messages.ForReceiver, in.Messages.ForAdmin} {
		if err := checkSlot(m); err != nil {
			return in, err
		}
	}
	if IsZero(in.Receiver) {
		return in, InvalidArgument("Invalid receiver")
	}
	return in, nil
}

// Relation — отношение зрителя к записи, из-за которого она ему видна.
type Relation string

const (
	RelationSender   Relation = "sender"
	RelationReceiver Relation = "receiver"
	RelationAdmin    Relation = "admin"
)

// NoIndex — индекс записи неизвестен: контракт отдаёт отзывы без номеров в журнале.
const NoIndex int64 = -1

// FeedbackView — запись в том виде, в котором её видит конкретный зритель.
type FeedbackView struct {
	Index     int64
	OrgID     common.Address
	Sender    common.Address
	Receiver  common.Address
	Message   string
	Timestamp time.Time
	Relation  Relation
}

// FeedbackCandidate — запись, которая может быть видна зрителю, и признак того,
// что зритель администрирует её организацию.
type FeedbackCandidate struct {
	Record  FeedbackRecord
	IsAdmin bool
}

// ProjectFeedback применяет правило видимости и маскирования к одной записи.
// Запись видна, если зритель отправитель, получатель или владелец/модератор организации.
// Отправитель раскрывается самому себе, получателю при RevealToReceiver и администратору
// при RevealToAdmin; иначе вместо него возвращается ZeroAddress.
func ProjectFeedback(rec FeedbackRecord, viewer common.Address, isAdmin bool) (FeedbackView, bool) {
	isSender := rec.Sender == viewer && !IsZero(viewer)
	isReceiver := rec.Receiver == viewer && !IsZero(viewer)
	if !isSender && !isReceiver && !isAdmin {
		return FeedbackView{}, false
	}

	view := FeedbackView{
		Index:     rec.Index,
		OrgID:     rec.OrgID,
		Receiver:  rec.Receiver,
		Timestamp: rec.CreatedAt,
		Sender:    ZeroAddress,
	}
	switch {
	case isSender:
		view.Relation = RelationSender
		view.Message = rec.Messages.ForSender
	case isReceiver:
		view.Relation = RelationReceiver
		view.Message = rec.Messages.ForReceiver
	default:
		view.Relation = RelationAdmin
		view.Message = rec.Messages.ForAdmin
	}

	reveal := isSender ||
		(isReceiver && rec.RevealToReceiver) ||
		(isAdmin && rec.RevealToAdmin)
	if reveal {
		view.Sender = rec.Sender
	}
	return view, true
}

// FeedbackFilter отбирает записи по отношению зрителя.
type FeedbackFilter string

const (
	FilterAll      FeedbackFilter = "all"
	FilterSent     FeedbackFilter = "sent"
	FilterReceived FeedbackFilter = "received"
	FilterAdmin    FeedbackFilter = "admin"
)

// ParseFeedbackFilter разбирает фильтр; пустая строка означает FilterAll.
func ParseFeedbackFilter(raw string) (FeedbackFilter, error) {
	switch f := FeedbackFilter(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", FilterAll:
		return FilterAll, nil
	case FilterSent, FilterReceived, FilterAdmin:
		return f, nil
	default:
		return "", InvalidArgument("Unknown filter")
	}
}

// Apply оставляет только подходящие записи, сохраняя порядок.
func (f FeedbackFilter) Apply(views []FeedbackView) []FeedbackView {
	if f == FilterAll || f == "" {
		return views
	}
	want := map[FeedbackFilter]Relation{
		FilterSent:     RelationSender,
		FilterReceived: RelationReceiver,
		FilterAdmin:    RelationAdmin,
	}[f]
	out := make([]FeedbackView, 0, len(views))
	for _, v := range views {
		if v.Relation == want {
			out = append(out, v)
		}
	}
	return out
}

// AccessibleFeedbacks — пять параллельных массивов в форме ответа контракта.
type AccessibleFeedbacks struct {
	OrgIDs     []common.Address
	Senders    []common.Address
	Receivers  []common.Address
	Messages   []string
	Timestamps []time.Time
}

// Columns раскладывает записи в параллельные массивы.
func Columns(views []FeedbackView) AccessibleFeedbacks {
	out := AccessibleFeedbacks{
		OrgIDs:     make([]common.Address, 0, len(views)),
		Senders:    make([]common.Address, 0, len(views)),
		Receivers:  make([]common.Address, 0, len(views)),
		Messages:   make([]string, 0, len(views)),
		Timestamps: make([]time.Time, 0, len(views)),
	}
	for _, v := range views {
		out.OrgIDs = append(out.OrgIDs, v.OrgID)
		out.Senders = append(out.Senders, v.Sender)
		out.Receivers = append(out.Receivers, v.Receiver)
		out.Messages = append(out.Messages, v.Message)
		out.Timestamps = append(out.Timestamps, v.Timestamp)
	}
	return out
}

// Zip собирает записи из параллельных массивов. Отношение зрителя определяется по адресам и
// по isAdmin, который должен отвечать по реестру (владелец или модератор организации).
// Видимая запись без совпадений — собственный анонимный отзыв зрителя.
func (a AccessibleFeedbacks) Zip(viewer common.Address, isAdmin func(org common.Address) bool) ([]FeedbackView, error) {
	n := len(a.OrgIDs)
	if len(a.Senders) != n || len(a.Receivers) != n || len(a.Messages) != n || len(a.Timestamps) != n {
		return nil, fmt.Errorf("accessible feedbacks: arrays out of step (%d/%d/%d/%d/%d)",
			n, len(a.Senders), len(a.Receivers), len(a.Messages), len(a.Timestamps))
	}
	views := make([]FeedbackView, 0, n)
	for i := 0; i < n; i++ {
		v := FeedbackView{
			Index:     NoIndex,
			OrgID:     a.OrgIDs[i],
			Sender:    a.Senders[i],
			Receiver:  a.Receivers[i],
			Message:   a.Messages[i],
			Timestamp: a.Timestamps[i],
		}
		switch {
		case !IsZero(viewer) && v.Sender == viewer:
			v.Relation = RelationSender
		case !IsZero(viewer) && v.Receiver == viewer:
			v.Relation = RelationReceiver
		case isAdmin != nil && isAdmin(v.OrgID):
			v.Relation = RelationAdmin
		default:
			v.Relation = RelationSender
		}
		views = append(views, v)
	}
	return views, nil
}
