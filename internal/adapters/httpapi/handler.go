package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"org-feedback/internal/domain"
	httpinfra "org-feedback/internal/infra/http"
	"org-feedback/internal/infra/metrics"
	"org-feedback/internal/usecase/orgview"
	"org-feedback/internal/usecase/requests"
)

const maxBodyBytes = 64 << 10

// Deps — зависимости HTTP API. Writer, Relay, Requests, Auth и Analytics необязательны.
type Deps struct {
	Reader    domain.LedgerReader
	Writer    domain.LedgerWriter
	Relay     domain.TxRelay
	Requests  *requests.Session
	Auth      *httpinfra.Authenticator
	Analytics domain.BusinessMetricRepo
	Logger    zerolog.Logger
	Timeout   time.Duration
}

// Handler обслуживает REST API реестра.
type Handler struct {
	reader    domain.LedgerReader
	writer    domain.LedgerWriter
	relay     domain.TxRelay
	requests  *requests.Session
	auth      *httpinfra.Authenticator
	analytics domain.BusinessMetricRepo
	status    *orgview.Service
	log       zerolog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// New создаёт обработчики.
func New(deps Deps) *Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 60 * time.Second
	}
	return &Handler{
		reader:    deps.Reader,
		writer:    deps.Writer,
		relay:     deps.Relay,
		requests:  deps.Requests,
		auth:      deps.Auth,
		analytics: deps.Analytics,
		status:    orgview.NewService(deps.Reader),
		log:       deps.Logger,
		timeout:   deps.Timeout,
		now:       time.Now,
	}
}

// Mount регистрирует маршруты /api/v1.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(middleware.Timeout(h.timeout))
			pub.Post("/auth/login", h.login)
			pub.Get("/orgs/count", h.orgCount)
			pub.Get("/orgs/{orgID}", h.getOrg)
			pub.Get("/orgs/{orgID}/members/{address}", h.memberStatus)
			pub.Get("/users/{address}/orgs", h.userOrgs)
			pub.Get("/feedback/count", h.feedbackCount)
		})

		api.Group(func(priv chi.Router) {
			priv.Use(h.identify)
			priv.Get("/requests/stream", h.streamRequests)

			priv.Group(func(g chi.Router) {
				g.Use(middleware.Timeout(h.timeout))
				g.Post("/orgs", h.createOrg)
				g.Get("/orgs/{orgID}/status", h.orgStatus)
				g.Get("/orgs/{orgID}/members", h.listMembers)
				g.Post("/orgs/{orgID}/members", h.addMember)
				g.Delete("/orgs/{orgID}/members/{address}", h.removeMember)
				g.Post("/orgs/{orgID}/moderators", h.addModerator)
				g.Delete("/orgs/{orgID}/moderators/{address}", h.removeModerator)
				g.Post("/feedback", h.sendFeedback)
				g.Get("/feedback", h.listFeedback)
				g.Get("/feedback/columns", h.feedbackColumns)
				g.Post("/requests", h.sendRequests)
				g.Get("/requests", h.storedRequests)
				g.Post("/tx", h.relayTx)
			})
		})
	})
}

// identify определяет вызывающего: по JWT или, если аутентификация отключена, по заголовку.
func (h *Handler) identify(next http.Handler) http.Handler {
	if h.auth == nil {
		return httpinfra.HeaderCallerMiddleware(next)
	}
	return h.auth.Middleware(next)
}

func caller(r *http.Request) common.Address {
	addr, _ := httpinfra.CallerFrom(r.Context())
	return addr
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.InvalidArgument("Invalid request body")
	}
	return nil
}

func pathAddress(r *http.Request, name string) (common.Address, error) {
	return domain.ParseAddress(chi.URLParam(r, name))
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		httpinfra.WriteError(w, http.StatusNotImplemented, "wallet login is disabled", "unavailable")
		return
	}
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, "login", err)
		return
	}
	addr, err := domain.ParseAddress(req.Address)
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	if err := httpinfra.VerifyLogin(addr, req.Timestamp, req.Signature, h.now()); err != nil {
		metrics.AuthLoginsTotal.WithLabelValues("rejected").Inc()
		httpinfra.WriteError(w, http.StatusUnauthorized, err.Error(), "unauthorized")
		return
	}
	token, expires, err := h.auth.Issue(addr)
	if err != nil {
		metrics.AuthLoginsTotal.WithLabelValues("error").Inc()
		h.fail(w, r, "login", err)
		return
	}
	metrics.AuthLoginsTotal.WithLabelValues("ok").Inc()
	httpinfra.WriteJSON(w, http.StatusOK, loginResponse{Address: addr.Hex(), Token: token, ExpiresAt: expires})
}

func (h *Handler) orgCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.reader.TotalOrganizations(r.Context())
	if err != nil {
		h.fail(w, r, "total_organizations", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (h *Handler) getOrg(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathAddress(r, "orgID")
	if err != nil {
		h.fail(w, r, "get_org_metadata", err)
		return
	}
	org, err := h.reader.GetOrgMetadata(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, "get_org_metadata", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toOrgDTO(org))
}

func (h *Handler) orgStatus(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathAddress(r, "orgID")
	if err != nil {
		h.fail(w, r, "org_status", err)
		return
	}
	st, err := h.status.Status(r.Context(), orgID, caller(r))
	if err != nil {
		h.fail(w, r, "org_status", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toStatusDTO(st))
}

func (h *Handler) memberStatus(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathAddress(r, "orgID")
	if err != nil {
		h.fail(w, r, "member_status", err)
		return
	}
	who, err := pathAddress(r, "address")
	if err != nil {
		h.fail(w, r, "member_status", err)
		return
	}
	isMember, err := h.reader.IsMember(r.Context(), orgID, who)
	if err != nil {
		h.fail(w, r, "member_status", err)
		return
	}
	isModerator, err := h.reader.IsModerator(r.Context(), orgID, who)
	if err != nil {
		h.fail(w, r, "member_status", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, memberStatusDTO{Address: who.Hex(), IsMember: isMember, IsModerator: isModerator})
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathAddress(r, "orgID")
	if err != nil {
		h.fail(w, r, "get_org_members", err)
		return
	}
	members, err := h.reader.GetOrgMembers(r.Context(), caller(r), orgID)
	if err != nil {
		h.fail(w, r, "get_org_members", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string][]string{"members": hexes(members)})
}

func (h *Handler) userOrgs(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "address")
	if err != nil {
		h.fail(w, r, "get_organizations_by_user", err)
		return
	}
	orgs, err := h.reader.GetOrganizationsByUser(r.Context(), user)
	if err != nil {
		h.fail(w, r, "get_organizations_by_user", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string][]string{"orgs": hexes(orgs)})
}

func (h *Handler) createOrg(w http.ResponseWriter, r *http.Request) {
	if h.writer == nil {
		h.fail(w, r, "create_organization", domain.ErrReadOnly)
		return
	}
	var req createOrgRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, "create_organization", err)
		return
	}
	org, err := h.writer.CreateOrganization(r.Context(), caller(r), req.Name, req.Description)
	if err != nil {
		h.fail(w, r, "create_organization", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, toOrgDTO(org))
}

type memberOp func(w domain.LedgerWriter, r *http.Request, caller, orgID, who common.Address) error

// mutateMember разбирает адреса операции с участником и выполняет её.
func (h *Handler) mutateMember(op string, fromBody bool, fn memberOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.writer == nil {
			h.fail(w, r, op, domain.ErrReadOnly)
			return
		}
		orgID, err := pathAddress(r, "orgID")
		if err != nil {
			h.fail(w, r, op, err)
			return
		}
		var who common.Address
		if fromBody {
			var req addressRequest
			if err := decodeBody(w, r, &req); err != nil {
				h.fail(w, r, op, err)
				return
			}
			who, err = domain.ParseAddress(req.Address)
		} else {
			who, err = pathAddress(r, "address")
		}
		if err != nil {
			h.fail(w, r, op, err)
			return
		}
		if err := fn(h.writer, r, caller(r), orgID, who); err != nil {
			h.fail(w, r, op, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	h.mutateMember("add_member", true, func(lw domain.LedgerWriter, r *http.Request, c, org, who common.Address) error {
		return lw.AddMember(r.Context(), c, org, who)
	})(w, r)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	h.mutateMember("remove_member", false, func(lw domain.LedgerWriter, r *http.Request, c, org, who common.Address) error {
		return lw.RemoveMember(r.Context(), c, org, who)
	})(w, r)
}

func (h *Handler) addModerator(w http.ResponseWriter, r *http.Request) {
	h.mutateMember("add_moderator", true, func(lw domain.LedgerWriter, r *http.Request, c, org, who common.Address) error {
		return lw.AddModerator(r.Context(), c, org, who)
	})(w, r)
}

func (h *Handler) removeModerator(w http.ResponseWriter, r *http.Request) {
	h.mutateMember("remove_moderator", false, func(lw domain.LedgerWriter, r *http.Request, c, org, who common.Address) error {
		return lw.RemoveModerator(r.Context(), c, org, who)
	})(w, r)
}

func (h *Handler) sendFeedback(w http.ResponseWriter, r *http.Request) {
	if h.writer == nil {
		h.fail(w, r, "send_feedback", domain.ErrReadOnly)
		return
	}
	var req sendFeedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, "send_feedback", err)
		return
	}
	orgID, err := domain.ParseAddress(req.OrgID)
	if err != nil {
		h.fail(w, r, "send_feedback", err)
		return
	}
	receiver, err := domain.ParseAddress(req.Receiver)
	if err != nil {
		h.fail(w, r, "send_feedback", err)
		return
	}
	msgs := domain.FeedbackMessages{ForSender: req.ForSender, ForReceiver: req.ForReceiver, ForAdmin: req.ForAdmin}
	if req.Seal {
		msgs = domain.SealedMessages(req.ForSender)
	}
	me := caller(r)
	rec, err := h.writer.SendFeedback(r.Context(), me, domain.SendFeedbackInput{
		OrgID:            orgID,
		Receiver:         receiver,
		Messages:         msgs,
		RevealToReceiver: req.RevealToReceiver,
		RevealToAdmin:    req.RevealToAdmin,
	})
	if err != nil {
		h.fail(w, r, "send_feedback", err)
		return
	}
	view, _ := domain.ProjectFeedback(rec, me, false)
	httpinfra.WriteJSON(w, http.StatusCreated, toFeedbackDTO(view))
}

func (h *Handler) accessible(r *http.Request) ([]domain.FeedbackView, error) {
	return h.reader.GetAccessibleFeedbacks(r.Context(), caller(r))
}

func (h *Handler) listFeedback(w http.ResponseWriter, r *http.Request) {
	filter, err := domain.ParseFeedbackFilter(r.URL.Query().Get("filter"))
	if err != nil {
		h.fail(w, r, "get_accessible_feedbacks", err)
		return
	}
	views, err := h.accessible(r)
	if err != nil {
		h.fail(w, r, "get_accessible_feedbacks", err)
		return
	}
	views = filter.Apply(views)
	out := make([]feedbackDTO, 0, len(views))
	for _, v := range views {
		out = append(out, toFeedbackDTO(v))
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"filter": filter, "feedbacks": out})
}

func (h *Handler) feedbackColumns(w http.ResponseWriter, r *http.Request) {
	views, err := h.accessible(r)
	if err != nil {
		h.fail(w, r, "get_accessible_feedbacks", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toColumnsDTO(domain.Columns(views)))
}

func (h *Handler) feedbackCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.reader.GetFeedbackCount(r.Context())
	if err != nil {
		h.fail(w, r, "get_feedback_count", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (h *Handler) sendRequests(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		httpinfra.WriteError(w, http.StatusNotImplemented, "feedback requests are disabled", "unavailable")
		return
	}
	var req sendRequestsRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, "send_requests", err)
		return
	}
	if len(req.Receivers) == 0 {
		h.fail(w, r, "send_requests", domain.InvalidArgument("No receivers"))
		return
	}
	receivers := make([]common.Address, 0, len(req.Receivers))
	for _, raw := range req.Receivers {
		a, err := domain.ParseAddress(raw)
		if err != nil {
			h.fail(w, r, "send_requests", err)
			return
		}
		receivers = append(receivers, a)
	}

	me := caller(r)
	sent, err := h.requests.SendMany(r.Context(), me, receivers, req.Message)
	if len(sent) == 0 && err != nil {
		h.fail(w, r, "send_requests", err)
		return
	}
	out := make([]requestDTO, 0, len(sent))
	for _, s := range sent {
		out = append(out, toRequestDTO(s))
		h.recordRequest(r, me, s)
	}
	resp := map[string]any{"sent": out}
	if err != nil {
		resp["error"] = err.Error()
	}
	httpinfra.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) recordRequest(r *http.Request, sender common.Address, req domain.FeedbackRequest) {
	if h.analytics == nil {
		return
	}
	err := h.analytics.RecordBusinessMetric(r.Context(), domain.BusinessMetric{
		Event:      domain.BusinessMetricEventRequestSent,
		Actor:      &sender,
		Metadata:   map[string]any{"receiver": domain.NormalizeAddress(req.Receiver)},
		OccurredAt: req.Timestamp,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("api: business metric not recorded")
	}
}

func (h *Handler) storedRequests(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		httpinfra.WriteError(w, http.StatusNotImplemented, "feedback requests are disabled", "unavailable")
		return
	}
	stored, err := h.requests.Stored(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, "stored_requests", err)
		return
	}
	out := make([]requestDTO, 0, len(stored))
	for _, s := range stored {
		out = append(out, toRequestDTO(s))
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (h *Handler) relayTx(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		httpinfra.WriteError(w, http.StatusNotImplemented, "transaction relay is disabled", "unavailable")
		return
	}
	var req relayRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, "relay_tx", err)
		return
	}
	raw, err := hexutil.Decode(req.RawTx)
	if err != nil {
		h.fail(w, r, "relay_tx", domain.InvalidArgument("Invalid signed transaction"))
		return
	}
	hash, err := h.relay.RelayRawTransaction(r.Context(), raw)
	if err != nil {
		h.fail(w, r, "relay_tx", err)
		return
	}
	if req.Wait != nil && !*req.Wait {
		httpinfra.WriteJSON(w, http.StatusAccepted, receiptDTO{TxHash: hash.Hex(), Pending: true})
		return
	}
	receipt, err := h.relay.WaitReceipt(r.Context(), hash)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionFailed) {
			h.log.Info().Str("tx", hash.Hex()).Msg("api: transaction reverted")
		}
		h.fail(w, r, "relay_tx", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, receiptDTO{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Success,
	})
}
