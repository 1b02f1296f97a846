package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"org-feedback/internal/domain"
)

// LoginWindow — допустимое расхождение метки времени в сообщении входа.
const LoginWindow = 5 * time.Minute

// WalletHeader передаёт адрес вызывающего, когда проверка подписи отключена.
const WalletHeader = "X-Wallet-Address"

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrLoginExpired     = errors.New("login message expired")
	ErrInvalidToken     = errors.New("invalid token")
)

// LoginMessage — текст, который кошелёк подписывает через personal_sign.
func LoginMessage(addr common.Address, timestamp int64) string {
	return fmt.Sprintf("orgfeedback login\naddress: %s\ntimestamp: %d", domain.NormalizeAddress(addr), timestamp)
}

// RecoverSigner восстанавливает адрес из подписи EIP-191 над message.
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyLogin проверяет, что addr подписал сообщение входа с меткой timestamp (Unix, секунды).
func VerifyLogin(addr common.Address, timestamp int64, signature string, now time.Time) error {
	issued := time.Unix(timestamp, 0)
	if d := now.Sub(issued); d > LoginWindow || d < -LoginWindow {
		return ErrLoginExpired
	}
	signer, err := RecoverSigner(LoginMessage(addr, timestamp), signature)
	if err != nil {
		return err
	}
	if signer != addr {
		return ErrInvalidSignature
	}
	return nil
}

// Authenticator выпускает и проверяет сессионные JWT кошельков.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator создаёт Authenticator. Пустой secret недопустим.
func NewAuthenticator(secret string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue выпускает токен для адреса.
func (a *Authenticator) Issue(addr common.Address) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   domain.NormalizeAddress(addr),
		Issuer:    "org-feedback",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("подпись токена: %w", err)
	}
	return signed, expires, nil
}

// Parse проверяет токен и возвращает адрес владельца.
func (a *Authenticator) Parse(token string) (common.Address, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now), jwt.WithIssuer("org-feedback"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, ErrInvalidToken
	}
	return common.HexToAddress(claims.Subject), nil
}

// Middleware требует Bearer-токен и кладёт адрес вызывающего в контекст.
// Для websocket токен можно передать параметром access_token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			WriteError(w, http.StatusUnauthorized, "missing token", "unauthorized")
			return
		}
		addr, err := a.Parse(token)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "invalid token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
	})
}

// HeaderCallerMiddleware доверяет заголовку X-Wallet-Address. Только для dev.
func HeaderCallerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := domain.ParseAddress(r.Header.Get(WalletHeader))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "missing "+WalletHeader, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type callerKey struct{}

// WithCaller кладёт подтверждённый адрес в контекст.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom достаёт адрес вызывающего из контекста.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}
