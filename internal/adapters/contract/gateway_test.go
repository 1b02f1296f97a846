package contract

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"org-feedback/internal/domain"
	"org-feedback/internal/infra/cache"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type nodeHandler func(method string, params []json.RawMessage) (any, *RPCError)

var (
	contractAddr = common.HexToAddress("0x2BfeB9b810CD42C12018076031A548FB357517FC")
	orgOwner     = common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4")
	orgMember    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	orgModerator = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func newTestClient(t *testing.T, handle nodeHandler) *Client {
	t.Helper()
	client := NewClient("http://rpc.local", 0, zerolog.Nop())
	client.httpClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))

		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		raw, err := json.Marshal(resp)
		require.NoError(t, err)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(string(raw))),
			Header:     make(http.Header),
		}, nil
	})}
	return client
}

func newTestGateway(t *testing.T, handle nodeHandler) *Gateway {
	t.Helper()
	return NewGateway(newTestClient(t, handle), Config{
		Contract:       contractAddr,
		ChainID:        1660990954,
		ReceiptTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
	}, nil, zerolog.Nop())
}

// decodeCall разбирает параметры eth_call: метод, аргументы и отправителя.
func decodeCall(t *testing.T, params []json.RawMessage) (*abi.Method, []any, common.Address) {
	t.Helper()
	var msg struct {
		From common.Address `json:"from"`
		To   common.Address `json:"to"`
		Data hexutil.Bytes  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(params[0], &msg))
	require.Equal(t, contractAddr, msg.To)
	m, err := orgFeedback.MethodById(msg.Data)
	require.NoError(t, err)
	args, err := m.Inputs.Unpack(msg.Data[4:])
	require.NoError(t, err)
	return m, args, msg.From
}

func packOut(t *testing.T, m abi.Method, values ...any) string {
	t.Helper()
	out, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	return hexutil.Encode(out)
}

func revertData(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestGetOrgMetadataLayouts(t *testing.T) {
	withLogo := true
	g := newTestGateway(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		m, _, _ := decodeCall(t, params)
		require.Equal(t, "getOrgMetadata", m.Name)
		if withLogo {
			return packOut(t, metadataWithLogo.Methods["getOrgMetadata"], "Acme", "Widgets", "ipfs://logo", orgOwner), nil
		}
		return packOut(t, *m, "Acme", "Widgets", orgOwner), nil
	})
	ctx := context.Background()

	org, err := g.GetOrgMetadata(ctx, orgOwner)
	require.NoError(t, err)
	assert.Equal(t, "Acme", org.Name)
	assert.Equal(t, "ipfs://logo", org.LogoRef)
	assert.Equal(t, orgOwner, org.Owner)
	assert.Equal(t, orgOwner, org.ID)

	withLogo = false
	org, err = g.GetOrgMetadata(ctx, orgOwner)
	require.NoError(t, err)
	assert.Equal(t, "Widgets", org.Description)
	assert.Empty(t, org.LogoRef)
	assert.Equal(t, orgOwner, org.Owner)
}

func TestGetOrgMetadataNotFound(t *testing.T) {
	g := newTestGateway(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		m, _, _ := decodeCall(t, params)
		return packOut(t, *m, "", "", common.Address{}), nil
	})
	_, err := g.GetOrgMetadata(context.Background(), orgOwner)
	assert.ErrorIs(t, err, domain.ErrOrgNotFound)

	g = newTestGateway(t, func(string, []json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: 3, Message: "execution reverted: Org does not exist"}
	})
	_, err = g.GetOrgMetadata(context.Background(), orgOwner)
	assert.ErrorIs(t, err, domain.ErrOrgNotFound)
}

func TestGetOrgMetadataCached(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	client := newTestClient(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		mu.Lock()
		calls++
		mu.Unlock()
		m, _, _ := decodeCall(t, params)
		return packOut(t, *m, "Acme", "Widgets", orgOwner), nil
	})
	g := NewGateway(client, Config{Contract: contractAddr, MetadataTTL: time.Minute}, cache.NewMemory(16, time.Minute), zerolog.Nop())

	for i := 0; i < 3; i++ {
		org, err := g.GetOrgMetadata(context.Background(), orgOwner)
		require.NoError(t, err)
		assert.Equal(t, "Acme", org.Name)
	}
	assert.Equal(t, 1, calls)
}

func TestRevertClassification(t *testing.T) {
	cases := []struct {
		name string
		err  *RPCError
		want error
	}{
		{
			name: "revert data",
			err:  &RPCError{Code: 3, Message: "execution reverted", Data: json.RawMessage(`"` + revertData(t, "Not org owner or moderator") + `"`)},
			want: domain.ErrNotOwnerOrModerator,
		},
		{
			name: "message only",
			err:  &RPCError{Code: -32000, Message: "execution reverted: Not a member"},
			want: domain.ErrNotMember,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGateway(t, func(string, []json.RawMessage) (any, *RPCError) { return nil, tc.err })
			_, err := g.GetOrgMembers(context.Background(), orgMember, orgOwner)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	g := newTestGateway(t, func(string, []json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "execution reverted: something new"}
	})
	_, err := g.IsMember(context.Background(), orgOwner, orgMember)
	assert.Equal(t, domain.KindUnknown, domain.KindOf(err))
	assert.Equal(t, domain.ReasonTransactionFailed, domain.UserMessage(err))
}

func TestReadsUseCallerIdentity(t *testing.T) {
	g := newTestGateway(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		m, args, from := decodeCall(t, params)
		switch m.Name {
		case "getOrgMembers":
			assert.Equal(t, orgMember, from)
			assert.Equal(t, orgOwner, args[0])
			return packOut(t, *m, []common.Address{orgOwner, orgMember}), nil
		case "getOrganizationsByUser":
			return packOut(t, *m, []common.Address{orgOwner}), nil
		case "totalOrganizations", "getFeedbackCount":
			return packOut(t, *m, big.NewInt(7)), nil
		case "isMember":
			return packOut(t, *m, args[1] == orgMember), nil
		}
		t.Fatalf("unexpected method %s", m.Name)
		return nil, nil
	})
	ctx := context.Background()

	members, err := g.GetOrgMembers(ctx, orgMember, orgOwner)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{orgOwner, orgMember}, members)

	orgs, err := g.GetOrganizationsByUser(ctx, orgMember)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{orgOwner}, orgs)

	total, err := g.TotalOrganizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)

	count, err := g.GetFeedbackCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)

	ok, err := g.IsMember(ctx, orgOwner, orgMember)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetAccessibleFeedbacks(t *testing.T) {
	otherOrg := common.HexToAddress("0x00000000000000000000000000000000000000d4")
	g := newTestGateway(t, func(method string, params []json.RawMessage) (any, *RPCError) {
		m, args, from := decodeCall(t, params)
		switch m.Name {
		case "getAccessibleFeedbacks":
			assert.Equal(t, orgModerator, from)
			return packOut(t, *m,
				[]common.Address{orgOwner, orgOwner, otherOrg},
				[]common.Address{orgMember, common.Address{}, orgModerator},
				[]common.Address{orgModerator, orgMember, orgMember},
				[]string{"to you", "anon", "mine"},
				[]*big.Int{big.NewInt(100), big.NewInt(200), big.NewInt(300)},
			), nil
		case "getOrgMetadata":
			owner := orgOwner
			if args[0] == otherOrg {
				owner = otherOrg
			}
			return packOut(t, *m, "Org", "", owner), nil
		case "isModerator":
			return packOut(t, *m, args[0] == orgOwner && args[1] == orgModerator), nil
		}
		t.Fatalf("unexpected method %s", m.Name)
		return nil, nil
	})

	views, err := g.GetAccessibleFeedbacks(context.Background(), orgModerator)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, domain.RelationReceiver, views[0].Relation)
	assert.Equal(t, domain.RelationAdmin, views[1].Relation)
	assert.True(t, domain.IsZero(views[1].Sender))
	assert.Equal(t, domain.RelationSender, views[2].Relation)
	assert.Equal(t, time.Unix(300, 0).UTC(), views[2].Timestamp)
}

func TestCheckNetwork(t *testing.T) {
	chainID := "0x6300b5ea"
	g := newTestGateway(t, func(method string, _ []json.RawMessage) (any, *RPCError) {
		require.Equal(t, "eth_chainId", method)
		return chainID, nil
	})
	require.NoError(t, g.CheckNetwork(context.Background()))

	chainID = "0x1"
	err := g.CheckNetwork(context.Background())
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	client := NewClient("http://rpc.local", 0, zerolog.Nop())
	client.httpClient = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	g := NewGateway(client, Config{Contract: contractAddr}, nil, zerolog.Nop())
	_, err := g.TotalOrganizations(context.Background())
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}
