package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"org-feedback/internal/infra/metrics"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError — ошибка JSON-RPC узла. Data содержит данные отката, если они есть.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

type rpcReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	Status          hexutil.Uint64 `json:"status"`
}

// Client — минимальный клиент EVM JSON-RPC с ограничением частоты запросов.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	host       string
	requestID  atomic.Int64
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient создаёт клиента. rps <= 0 отключает ограничение.
func NewClient(rpcURL string, rps int, logger zerolog.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = rps
	}
	host := rpcURL
	if u, err := url.Parse(rpcURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		host:       host,
		limiter:    rate.NewLimiter(limit, burst),
		log:        logger,
	}
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	start := time.Now()
	result, err := c.do(ctx, method, params)
	metrics.ObserveNetworkRequest("rpc", method, c.host, start, err)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Msg("rpc: call failed")
	}
	return result, err
}

func (c *Client) do(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// ChainID возвращает идентификатор сети узла.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_chainId")
	if err != nil {
		return 0, fmt.Errorf("eth_chainId: %w", err)
	}
	var id hexutil.Uint64
	if err := json.Unmarshal(result, &id); err != nil {
		return 0, fmt.Errorf("unmarshal chain id: %w", err)
	}
	return uint64(id), nil
}

// Call выполняет eth_call от имени from на последнем блоке.
func (c *Client) Call(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	msg := map[string]any{
		"from": from.Hex(),
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	result, err := c.call(ctx, "eth_call", msg, "latest")
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}
	return out, nil
}

// SendRawTransaction публикует подписанную транзакцию.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := c.call(ctx, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// TransactionReceipt возвращает квитанцию или nil, пока транзакция не включена в блок.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*rpcReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", hash.Hex())
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var receipt rpcReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return &receipt, nil
}
