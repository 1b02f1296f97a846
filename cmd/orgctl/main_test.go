package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"org-feedback/internal/app"
	"org-feedback/internal/domain"
	"org-feedback/internal/infra/config"
)

const (
	owner  = "0x00000000000000000000000000000000000000a1"
	member = "0x00000000000000000000000000000000000000b2"
)

func openMemory(t *testing.T) *app.Backend {
	t.Helper()
	var cfg config.AppConfig
	cfg.Ledger.Backend = config.BackendMemory
	b, err := app.OpenBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestSeedThenQuery(t *testing.T) {
	b := openMemory(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
organizations:
  - owner: "`+owner+`"
    name: Status
    members: ["`+member+`"]
feedback:
  - org: "`+owner+`"
    sender: "`+member+`"
    receiver: "`+owner+`"
    message: nice work
`), 0o600))

	var out bytes.Buffer
	require.NoError(t, run(ctx, &out, b, "seed", []string{"-file", path}, zerolog.Nop()))
	assert.Contains(t, out.String(), "organizations: 1")

	out.Reset()
	require.NoError(t, run(ctx, &out, b, "count", nil, zerolog.Nop()))
	assert.Equal(t, "organizations: 1\nfeedback: 1\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, &out, b, "status", []string{"-org", owner, "-addr", owner + "," + member}, zerolog.Nop()))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "true")

	out.Reset()
	require.NoError(t, run(ctx, &out, b, "feedback", []string{"-as", owner, "-filter", "received"}, zerolog.Nop()))
	assert.Contains(t, out.String(), "anonymous")
	assert.Contains(t, out.String(), "nice work")

	out.Reset()
	require.NoError(t, run(ctx, &out, b, "orgs", []string{"-user", member}, zerolog.Nop()))
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))

	err := run(ctx, &out, b, "members", []string{"-org", owner, "-as", "0x00000000000000000000000000000000000000e5"}, zerolog.Nop())
	assert.Equal(t, domain.KindNotAuthorized, domain.KindOf(err))

	assert.Error(t, run(ctx, &out, b, "nope", nil, zerolog.Nop()))
}

func TestClassify(t *testing.T) {
	var out bytes.Buffer
	classify(&out, `execution reverted: Cannot remove owner`)
	assert.Contains(t, out.String(), "kind: "+string(domain.KindCannotRemoveOwner))

	out.Reset()
	classify(&out, "something odd")
	assert.Contains(t, out.String(), "message: "+domain.ReasonTransactionFailed)
}

func TestCalldata(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, calldata(&out, []string{"addMember", owner, member}))
	line := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(line, "0x"))
	assert.Len(t, line, 2+2*(4+32+32))

	assert.Error(t, calldata(&out, nil))
	assert.Error(t, calldata(&out, []string{"totalOrganizations"}))
}
