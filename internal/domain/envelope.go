package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const envelopeNote = "This message will be encrypted when accessed by the intended recipient"

// MaxSealedBytes ограничивает слот с конвертом: base64 от JSON, в котором каждый байт
// сообщения размером MaxMessageBytes может быть экранирован как \uXXXX.
const MaxSealedBytes = (6*MaxMessageBytes + len(envelopeNote) + 64 + 2) / 3 * 4

type plainEnvelope struct {
	Message   string `json:"message"`
	Encrypted bool   `json:"encrypted"`
	Note      string `json:"note,omitempty"`
}

// SealPlain упаковывает сообщение в незашифрованный конверт base64(JSON), которым dapp
// заполняет слоты получателя и администратора.
func SealPlain(message string) string {
	raw, _ := json.Marshal(plainEnvelope{Message: message, Encrypted: false, Note: envelopeNote})
	return base64.StdEncoding.EncodeToString(raw)
}

// OpenEnvelope достаёт текст из незашифрованного конверта. Прочие данные (в том числе
// зашифрованные для кошелька) возвращаются как есть, второй результат тогда false.
func OpenEnvelope(payload string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return payload, false
	}
	var env plainEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return payload, false
	}
	if env.Encrypted || env.Message == "" {
		return payload, false
	}
	return env.Message, true
}

// SealedMessages готовит три слота: отправителю исходный текст, остальным — конверт.
func SealedMessages(message string) FeedbackMessages {
	sealed := SealPlain(message)
	return FeedbackMessages{
		ForSender:   message,
		ForReceiver: sealed,
		ForAdmin:    sealed,
	}
}

// checkSlot проверяет размер слота. Для конверта считается размер вложенного текста.
func checkSlot(payload string) error {
	size := len(payload)
	if text, ok := OpenEnvelope(payload); ok {
		if size > MaxSealedBytes {
			return InvalidArgument(fmt.Sprintf("Sealed message exceeds %d bytes", MaxSealedBytes))
		}
		size = len(text)
	}
	if size > MaxMessageBytes {
		return InvalidArgument(fmt.Sprintf("Message exceeds %d bytes", MaxMessageBytes))
	}
	return nil
}
