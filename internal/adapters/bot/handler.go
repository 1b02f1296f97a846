package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"org-feedback/internal/adapters/telegram"
	"org-feedback/internal/domain"
	httpinfra "org-feedback/internal/infra/http"
	"org-feedback/internal/infra/metrics"
)

// maxListedRequests ограничивает вывод /requests.
const maxListedRequests = 10

// Sender отправляет сообщения в Telegram. *tgbotapi.BotAPI ему соответствует.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RequestSource выдаёт запросы обратной связи адресата.
type RequestSource interface {
	Listen(ctx context.Context, user common.Address, handler func(domain.FeedbackRequest)) error
	Stored(ctx context.Context, user common.Address) ([]domain.FeedbackRequest, error)
}

// Handler обслуживает вебхук бота и пересылает запросы в привязанные чаты.
type Handler struct {
	bot      Sender
	log      zerolog.Logger
	links    domain.ChatLinkRepo
	requests RequestSource
	// verify отключается только в dev: тогда /link принимает адрес без подписи.
	verify bool

	mu       sync.Mutex
	base     context.Context
	watchers map[int64]context.CancelFunc
}

// NewHandler создаёт обработчик.
func NewHandler(bot Sender, log zerolog.Logger, links domain.ChatLinkRepo, requests RequestSource, verify bool) *Handler {
	return &Handler{
		bot:      bot,
		log:      log,
		links:    links,
		requests: requests,
		verify:   verify,
		base:     context.Background(),
		watchers: make(map[int64]context.CancelFunc),
	}
}

// LinkMessage — текст, который владелец адреса подписывает для привязки чата.
func LinkMessage(addr common.Address, chatID int64) string {
	return fmt.Sprintf("orgfeedback telegram link\naddress: %s\nchat: %d", domain.NormalizeAddress(addr), chatID)
}

// Run восстанавливает подписки всех привязанных чатов и держит их до отмены ctx.
func (h *Handler) Run(ctx context.Context) error {
	h.mu.Lock()
	h.base = ctx
	h.mu.Unlock()

	links, err := h.links.ListChatLinks(ctx)
	if err != nil {
		return fmt.Errorf("list chat links: %w", err)
	}
	for _, link := range links {
		h.watch(link.ChatID, link.Address)
	}
	h.log.Info().Int("chats", len(links)).Msg("бот: подписки восстановлены")

	<-ctx.Done()
	h.mu.Lock()
	for chatID, cancel := range h.watchers {
		cancel()
		delete(h.watchers, chatID)
	}
	h.mu.Unlock()
	return nil
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID
	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, chatID)
	case strings.HasPrefix(text, "/help"):
		h.reply(chatID, buildHelpMessage(), mainKeyboard())
	case strings.HasPrefix(text, "/link"):
		h.handleLink(ctx, chatID, strings.Fields(strings.TrimPrefix(text, "/link")))
	case strings.HasPrefix(text, "/unlink"):
		h.handleUnlink(ctx, chatID)
	case strings.HasPrefix(text, "/requests"):
		h.handleRequests(ctx, chatID)
	default:
		h.reply(chatID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	switch cb.Data {
	case "requests":
		h.handleRequests(ctx, chatID)
	case "unlink":
		h.handleUnlink(ctx, chatID)
	case "help":
		h.reply(chatID, buildHelpMessage(), mainKeyboard())
	}
	start := time.Now()
	_, err := h.bot.Send(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(chatID, 10), start, err)
}

func (h *Handler) handleStart(ctx context.Context, chatID int64) {
	lines := []string{
		"👋 Бот OrgFeedback присылает запросы обратной связи, адресованные вашему кошельку.",
		"",
	}
	link, err := h.links.GetChatLink(ctx, chatID)
	switch {
	case err == nil:
		lines = append(lines, fmt.Sprintf("Чат привязан к адресу %s.", link.Address.Hex()))
	case errors.Is(err, domain.ErrChatNotLinked):
		lines = append(lines, "Чтобы начать, привяжите адрес: /link 0xВашАдрес")
	default:
		h.log.Error().Err(err).Int64("chat", chatID).Msg("бот: не удалось прочитать привязку")
		lines = append(lines, "Не удалось проверить привязку, попробуйте позже.")
	}
	h.reply(chatID, strings.Join(lines, "\n"), mainKeyboard())
}

func (h *Handler) handleLink(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		h.reply(chatID, "Отправьте /link 0xВашАдрес", nil)
		return
	}
	addr, err := domain.ParseAddress(args[0])
	if err != nil || domain.IsZero(addr) {
		h.reply(chatID, "Некорректный адрес. Пример: /link 0x5B38Da6a701c568545dCfcB03FcB875f56beddC4", nil)
		return
	}
	if h.verify {
		if len(args) < 2 {
			h.reply(chatID, fmt.Sprintf("Подпишите в кошельке (personal_sign) сообщение:\n\n%s\n\nи отправьте /link %s <подпись>",
				LinkMessage(addr, chatID), addr.Hex()), nil)
			return
		}
		signer, err := httpinfra.RecoverSigner(LinkMessage(addr, chatID), args[1])
		if err != nil || signer != addr {
			h.reply(chatID, "Подпись не подходит к адресу.", nil)
			return
		}
	}
	if err := h.links.LinkChat(ctx, chatID, addr); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("бот: не удалось сохранить привязку")
		h.reply(chatID, "Не удалось сохранить привязку. Попробуйте позже", nil)
		return
	}
	h.watch(chatID, addr)
	h.reply(chatID, fmt.Sprintf("Готово: чат привязан к %s. Новые запросы будут приходить сюда.", addr.Hex()), mainKeyboard())
}

func (h *Handler) handleUnlink(ctx context.Context, chatID int64) {
	err := h.links.UnlinkChat(ctx, chatID)
	h.unwatch(chatID)
	switch {
	case err == nil:
		h.reply(chatID, "Привязка удалена, уведомления отключены.", nil)
	case errors.Is(err, domain.ErrChatNotLinked):
		h.reply(chatID, "Чат не привязан к адресу.", nil)
	default:
		h.log.Error().Err(err).Int64("chat", chatID).Msg("бот: не удалось удалить привязку")
		h.reply(chatID, "Не удалось удалить привязку. Попробуйте позже", nil)
	}
}

func (h *Handler) handleRequests(ctx context.Context, chatID int64) {
	link, err := h.links.GetChatLink(ctx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrChatNotLinked) {
			h.reply(chatID, "Сначала привяжите адрес: /link 0xВашАдрес", nil)
			return
		}
		h.log.Error().Err(err).Int64("chat", chatID).Msg("бот: не удалось прочитать привязку")
		h.reply(chatID, "Не удалось получить запросы. Попробуйте позже", nil)
		return
	}
	stored, err := h.requests.Stored(ctx, link.Address)
	if err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("бот: не удалось получить запросы")
		h.reply(chatID, "Не удалось получить запросы. Попробуйте позже", nil)
		return
	}
	if len(stored) == 0 {
		h.reply(chatID, "Запросов за последние 7 дней нет.", nil)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Запросы обратной связи (%d):\n", len(stored))
	for i, req := range stored {
		if i == maxListedRequests {
			fmt.Fprintf(&b, "…и ещё %d\n", len(stored)-maxListedRequests)
			break
		}
		fmt.Fprintf(&b, "\n%d. %s\n%s\n", i+1, formatRequestHeader(req), req.Message)
	}
	h.reply(chatID, b.String(), nil)
}

// watch запускает пересылку запросов адреса в чат, заменяя прежнюю подписку.
func (h *Handler) watch(chatID int64, addr common.Address) {
	h.mu.Lock()
	if cancel, ok := h.watchers[chatID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(h.base)
	h.watchers[chatID] = cancel
	h.mu.Unlock()

	go func() {
		err := h.requests.Listen(ctx, addr, func(req domain.FeedbackRequest) {
			h.reply(chatID, "📨 Новый запрос обратной связи\n"+formatRequestHeader(req)+"\n\n"+req.Message, nil)
		})
		if err != nil {
			h.log.Warn().Err(err).Int64("chat", chatID).Msg("бот: подписка остановлена")
		}
	}()
}

func (h *Handler) unwatch(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.watchers[chatID]; ok {
		cancel()
		delete(h.watchers, chatID)
	}
}

func (h *Handler) watching(chatID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.watchers[chatID]
	return ok
}

func formatRequestHeader(req domain.FeedbackRequest) string {
	return fmt.Sprintf("от %s, %s", req.Sender.Hex(), req.Timestamp.UTC().Format("02.01.2006 15:04 UTC"))
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Int64("chat", chatID).Msg("бот: не удалось отправить сообщение")
			return
		}
	}
}

func mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📨 Запросы", "requests"),
			tgbotapi.NewInlineKeyboardButtonData("🔌 Отвязать", "unlink"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "help"),
		),
	)
	return &buttons
}

func buildHelpMessage() string {
	return strings.Join([]string{
		"📖 Команды:",
		"",
		"• /link 0xАдрес — привязать чат к кошельку (бот попросит подпись).",
		"• /unlink — отвязать чат и отключить уведомления.",
		"• /requests — запросы обратной связи за последние 7 дней.",
		"",
		"Сами отзывы отправляются и читаются в веб-приложении OrgFeedback.",
	}, "\n")
}
