package seed

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"org-feedback/internal/adapters/memory"
	"org-feedback/internal/domain"
	"org-feedback/internal/usecase/ledger"
)

const sample = `
organizations:
  - owner: "0x00000000000000000000000000000000000000a1"
    name: Status
    description: core contributors
    members:
      - "0x00000000000000000000000000000000000000b2"
    moderators:
      - "0x00000000000000000000000000000000000000c3"
feedback:
  - org: "0x00000000000000000000000000000000000000a1"
    sender: "0x00000000000000000000000000000000000000b2"
    receiver: "0x00000000000000000000000000000000000000c3"
    message: thanks for the review
    reveal_to_admin: true
`

func TestApply(t *testing.T) {
	f, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, f.Organizations, 1)

	store := memory.New()
	svc := ledger.NewService(store, zerolog.Nop())
	ctx := context.Background()

	res, err := Apply(ctx, svc, f, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Result{Organizations: 1, Members: 2, Moderators: 1, Feedback: 1}, res)

	org := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	mod := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	isMod, err := svc.IsModerator(ctx, org, mod)
	require.NoError(t, err)
	assert.True(t, isMod)

	views, err := svc.GetAccessibleFeedbacks(ctx, org)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.RelationAdmin, views[0].Relation)
	assert.Equal(t, "thanks for the review", views[0].Message)

	f.Feedback = nil
	res, err = Apply(ctx, svc, f, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "second run changes nothing")
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("organizations:\n  - owner: x\n    colour: red\n"))
	assert.Error(t, err)

	f, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, f.Organizations)
}

func TestApplyReportsBadAddress(t *testing.T) {
	svc := ledger.NewService(memory.New(), zerolog.Nop())
	_, err := Apply(context.Background(), svc, File{Organizations: []Organization{{Owner: "nope", Name: "x"}}}, zerolog.Nop())
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
}
