package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestTopicPrefix — префикс топика запросов обратной связи.
const RequestTopicPrefix = "/statusfeedback/1/requests/"

// RequestRetention — глубина выборки сохранённых запросов.
const RequestRetention = 7 * 24 * time.Hour

// RequestTopic возвращает топик получателя.
func RequestTopic(receiver common.Address) string {
	return RequestTopicPrefix + NormalizeAddress(receiver)
}

// FeedbackRequest — просьба оставить отзыв, отправленная вне журнала.
type FeedbackRequest struct {
	ID        string
	Sender    common.Address
	Receiver  common.Address
	Message   string
	Timestamp time.Time
}

type requestPayload struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewFeedbackRequest создаёт запрос; время округляется до миллисекунд, как в полезной нагрузке.
func NewFeedbackRequest(sender, receiver common.Address, message string, at time.Time) FeedbackRequest {
	ts := time.UnixMilli(at.UnixMilli())
	return FeedbackRequest{
		ID:        RequestID(sender, ts),
		Sender:    sender,
		Receiver:  receiver,
		Message:   message,
		Timestamp: ts,
	}
}

// RequestID строит идентификатор "<sender>-<timestamp ms>".
func RequestID(sender common.Address, ts time.Time) string {
	return NormalizeAddress(sender) + "-" + strconv.FormatInt(ts.UnixMilli(), 10)
}

// EncodeRequest сериализует запрос в JSON {sender, receiver, message, timestamp}.
func EncodeRequest(req FeedbackRequest) ([]byte, error) {
	return json.Marshal(requestPayload{
		Sender:    NormalizeAddress(req.Sender),
		Receiver:  NormalizeAddress(req.Receiver),
		Message:   req.Message,
		Timestamp: req.Timestamp.UnixMilli(),
	})
}

// DecodeRequest разбирает полезную нагрузку из топика.
func DecodeRequest(data []byte) (FeedbackRequest, error) {
	var p requestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return FeedbackRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if !common.IsHexAddress(p.Sender) || !common.IsHexAddress(p.Receiver) {
		return FeedbackRequest{}, fmt.Errorf("decode request: bad address %q -> %q", p.Sender, p.Receiver)
	}
	if p.Timestamp <= 0 {
		return FeedbackRequest{}, fmt.Errorf("decode request: bad timestamp %d", p.Timestamp)
	}
	if strings.TrimSpace(p.Message) == "" {
		return FeedbackRequest{}, fmt.Errorf("decode request: empty message")
	}
	ts := time.UnixMilli(p.Timestamp)
	sender := common.HexToAddress(p.Sender)
	return FeedbackRequest{
		ID:        RequestID(sender, ts),
		Sender:    sender,
		Receiver:  common.HexToAddress(p.Receiver),
		Message:   p.Message,
		Timestamp: ts,
	}, nil
}
