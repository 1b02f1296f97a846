package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"org-feedback/internal/adapters/memory"
	"org-feedback/internal/domain"
)

var (
	ownerA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	memberB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	memberC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	modD    = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	outside = common.HexToAddress("0x00000000000000000000000000000000000000e5")
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int64
	clock := func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
	return NewService(store, zerolog.Nop(), WithClock(clock), WithBusinessMetrics(store)), store
}

func seedOrg(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateOrganization(ctx, ownerA, "Status", "status team")
	require.NoError(t, err)
	require.NoError(t, s.AddMember(ctx, ownerA, ownerA, memberB))
	require.NoError(t, s.AddMember(ctx, ownerA, ownerA, memberC))
	require.NoError(t, s.AddMember(ctx, ownerA, ownerA, modD))
	require.NoError(t, s.AddModerator(ctx, ownerA, ownerA, modD))
}

func TestEndToEndScenario(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, ownerA, "Status", "")
	require.NoError(t, err)
	assert.Equal(t, ownerA, org.ID)
	require.NoError(t, s.AddMember(ctx, ownerA, ownerA, memberB))
	require.NoError(t, s.AddMember(ctx, ownerA, ownerA, memberC))

	_, err = s.SendFeedback(ctx, memberB, domain.SendFeedbackInput{
		OrgID:            ownerA,
		Receiver:         ownerA,
		Messages:         domain.FeedbackMessages{ForSender: "hi"},
		RevealToReceiver: false,
		RevealToAdmin:    true,
	})
	require.NoError(t, err)

	views, err := s.GetAccessibleFeedbacks(ctx, ownerA)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, memberB, views[0].Sender, "revealToAdmin must unmask the sender for the owner")
	assert.Equal(t, "hi", views[0].Message)

	views, err = s.GetAccessibleFeedbacks(ctx, memberC)
	require.NoError(t, err)
	assert.Empty(t, views)

	count, err := s.GetFeedbackCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestCreateOrganization(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()

	_, err := s.CreateOrganization(ctx, ownerA, "  ", "")
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))

	_, err = s.CreateOrganization(ctx, ownerA, "Status", "desc")
	require.NoError(t, err)

	_, err = s.CreateOrganization(ctx, ownerA, "Another", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyOwner)

	ok, err := s.IsMember(ctx, ownerA, ownerA)
	require.NoError(t, err)
	assert.True(t, ok, "owner is implicitly a member")

	total, err := s.TotalOrganizations(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	_, err = s.GetOrgMetadata(ctx, memberB)
	assert.ErrorIs(t, err, domain.ErrOrgNotFound)

	events := store.BusinessMetrics()
	require.Len(t, events, 1)
	assert.Equal(t, domain.BusinessMetricEventOrganizationCreated, events[0].Event)
}

func TestMembershipBoundaries(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	seedOrg(t, s)

	before, err := s.GetOrgMembers(ctx, ownerA, ownerA)
	require.NoError(t, err)

	err = s.AddMember(ctx, ownerA, ownerA, memberB)
	assert.ErrorIs(t, err, domain.ErrAlreadyMember)
	err = s.RemoveMember(ctx, ownerA, ownerA, ownerA)
	assert.ErrorIs(t, err, domain.ErrCannotRemoveOwner)
	err = s.RemoveMember(ctx, modD, ownerA, ownerA)
	assert.ErrorIs(t, err, domain.ErrCannotRemoveOwner)

	after, err := s.GetOrgMembers(ctx, ownerA, ownerA)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed operations must not change state")

	assert.ErrorIs(t, s.RemoveMember(ctx, ownerA, ownerA, outside), domain.ErrNotMember)
	assert.ErrorIs(t, s.AddMember(ctx, memberB, ownerA, outside), domain.ErrNotOwnerOrModerator)
	assert.ErrorIs(t, s.AddMember(ctx, ownerA, memberB, outside), domain.ErrOrgNotFound)
	assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(s.AddMember(ctx, ownerA, ownerA, domain.ZeroAddress)))

	require.NoError(t, s.AddMember(ctx, modD, ownerA, outside), "moderators manage members")
	require.NoError(t, s.RemoveMember(ctx, modD, ownerA, outside))
}

func TestModerators(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	seedOrg(t, s)

	assert.ErrorIs(t, s.AddModerator(ctx, modD, ownerA, memberB), domain.ErrNotOwner)
	assert.ErrorIs(t, s.AddModerator(ctx, ownerA, ownerA, outside), domain.ErrMustBeMember)
	assert.ErrorIs(t, s.AddModerator(ctx, ownerA, ownerA, modD), domain.ErrAlreadyModerator)
	assert.ErrorIs(t, s.AddModerator(ctx, ownerA, ownerA, ownerA), domain.ErrOwnerRoleFixed)
	assert.ErrorIs(t, s.RemoveModerator(ctx, ownerA, ownerA, ownerA), domain.ErrOwnerRoleFixed)
	assert.ErrorIs(t, s.RemoveModerator(ctx, ownerA, ownerA, memberB), domain.ErrNotModerator)

	require.NoError(t, s.AddModerator(ctx, ownerA, ownerA, memberB))
	assert.ErrorIs(t, s.RemoveMember(ctx, modD, ownerA, memberB), domain.ErrNotOwner,
		"a moderator cannot remove another moderator")

	require.NoError(t, s.RemoveModerator(ctx, ownerA, ownerA, memberB))
	isMod, err := s.IsModerator(ctx, ownerA, memberB)
	require.NoError(t, err)
	assert.False(t, isMod)

	require.NoError(t, s.RemoveMember(ctx, ownerA, ownerA, modD))
	isMod, err = s.IsModerator(ctx, ownerA, modD)
	require.NoError(t, err)
	assert.False(t, isMod, "removing a member drops the moderator flag")
	require.NoError(t, s.AddMember(ctx, ownerA, ownerA, modD))
	isMod, err = s.IsModerator(ctx, ownerA, modD)
	require.NoError(t, err)
	assert.False(t, isMod)
}

func TestGetOrgMembersAccess(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	seedOrg(t, s)

	members, err := s.GetOrgMembers(ctx, memberC, ownerA)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{ownerA, memberB, memberC, modD}, members)

	_, err = s.GetOrgMembers(ctx, outside, ownerA)
	assert.ErrorIs(t, err, domain.ErrNotOwnerOrModerator)

	again, err := s.GetOrgMembers(ctx, memberC, ownerA)
	require.NoError(t, err)
	assert.Equal(t, members, again)

	orgs, err := s.GetOrganizationsByUser(ctx, memberC)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{ownerA}, orgs)
	orgs, err = s.GetOrganizationsByUser(ctx, outside)
	require.NoError(t, err)
	assert.Empty(t, orgs)
}

func TestSendFeedbackRequiresMembership(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	seedOrg(t, s)

	in := domain.SendFeedbackInput{OrgID: ownerA, Receiver: memberC, Messages: domain.FeedbackMessages{ForSender: "x"}}
	_, err := s.SendFeedback(ctx, outside, in)
	assert.ErrorIs(t, err, domain.ErrNotMember)

	in.Receiver = outside
	_, err = s.SendFeedback(ctx, memberB, in)
	assert.ErrorIs(t, err, domain.ErrReceiverNotMember)

	in.OrgID = memberB
	in.Receiver = memberC
	_, err = s.SendFeedback(ctx, memberB, in)
	assert.ErrorIs(t, err, domain.ErrOrgNotFound)

	count, err := s.GetFeedbackCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAccessibleFeedbacksPerViewer(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	seedOrg(t, s)

	rec, err := s.SendFeedback(ctx, memberB, domain.SendFeedbackInput{
		OrgID:    ownerA,
		Receiver: memberC,
		Messages: domain.FeedbackMessages{ForSender: "mine", ForReceiver: "yours", ForAdmin: "ours"},
	})
	require.NoError(t, err)
	assert.Equal(t, memberB, rec.Sender, "true sender is stored")

	cases := []struct {
		viewer   common.Address
		sender   common.Address
		message  string
		relation domain.Relation
	}{
		{memberB, memberB, "mine", domain.RelationSender},
		{memberC, domain.ZeroAddress, "yours", domain.RelationReceiver},
		{ownerA, domain.ZeroAddress, "ours", domain.RelationAdmin},
		{modD, domain.ZeroAddress, "ours", domain.RelationAdmin},
	}
	for _, tc := range cases {
		views, err := s.GetAccessibleFeedbacks(ctx, tc.viewer)
		require.NoError(t, err)
		require.Len(t, views, 1, "viewer %s", tc.viewer.Hex())
		assert.Equal(t, tc.sender, views[0].Sender)
		assert.Equal(t, tc.message, views[0].Message)
		assert.Equal(t, tc.relation, views[0].Relation)
		assert.Equal(t, memberC, views[0].Receiver)
	}

	views, err := s.GetAccessibleFeedbacks(ctx, outside)
	require.NoError(t, err)
	assert.Empty(t, views)
}

// TestVisibilityProperty проверяет правило видимости на случайных историях.
func TestVisibilityProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	people := make([]common.Address, 8)
	for i := range people {
		people[i] = common.BytesToAddress([]byte{byte(0x10 + i)})
	}

	for round := 0; round < 20; round++ {
		s, _ := newService(t)
		ctx := context.Background()

		owners := people[:3]
		for _, o := range owners {
			_, err := s.CreateOrganization(ctx, o, fmt.Sprintf("org-%d", round), "")
			require.NoError(t, err)
		}
		for _, o := range owners {
			for _, p := range people {
				if p != o && rng.Intn(3) > 0 {
					require.NoError(t, s.AddMember(ctx, o, o, p))
					if rng.Intn(4) == 0 {
						require.NoError(t, s.AddModerator(ctx, o, o, p))
					}
				}
			}
		}

		var sent []domain.FeedbackRecord
		for i := 0; i < 40; i++ {
			org := owners[rng.Intn(len(owners))]
			from := people[rng.Intn(len(people))]
			to := people[rng.Intn(len(people))]
			rec, err := s.SendFeedback(ctx, from, domain.SendFeedbackInput{
				OrgID:            org,
				Receiver:         to,
				Messages:         domain.FeedbackMessages{ForSender: fmt.Sprintf("m%d", i)},
				RevealToReceiver: rng.Intn(2) == 0,
				RevealToAdmin:    rng.Intn(2) == 0,
			})
			if err == nil {
				sent = append(sent, rec)
			}
		}

		for _, v := range people {
			views, err := s.GetAccessibleFeedbacks(ctx, v)
			require.NoError(t, err)

			var want []domain.FeedbackRecord
			for _, r := range sent {
				isMod, err := s.IsModerator(ctx, r.OrgID, v)
				require.NoError(t, err)
				admin := r.OrgID == v || isMod
				if v == r.Sender || v == r.Receiver || admin {
					want = append(want, r)
				}
			}
			require.Len(t, views, len(want))
			for i, view := range views {
				r := want[i]
				assert.Equal(t, r.Index, view.Index, "insertion order")
				isMod, _ := s.IsModerator(ctx, r.OrgID, v)
				admin := r.OrgID == v || isMod
				switch {
				case v == r.Sender:
					assert.Equal(t, r.Sender, view.Sender)
				case v == r.Receiver && !admin && !r.RevealToReceiver:
					assert.Equal(t, domain.ZeroAddress, view.Sender)
				case admin && v != r.Receiver && !r.RevealToAdmin:
					assert.Equal(t, domain.ZeroAddress, view.Sender)
				}
			}

			again, err := s.GetAccessibleFeedbacks(ctx, v)
			require.NoError(t, err)
			assert.Equal(t, views, again, "query must be idempotent")
		}
	}
}

func TestConcurrentAddMember(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	_, err := s.CreateOrganization(ctx, ownerA, "Status", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, dup int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AddMember(ctx, ownerA, ownerA, memberB)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case domain.KindOf(err) == domain.KindAlreadyMember:
				atomic.AddInt32(&dup, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok)
	assert.EqualValues(t, 15, dup)
}
