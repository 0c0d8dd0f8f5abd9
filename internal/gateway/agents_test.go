// ABOUTME: HTTP API tests for agent orchestration and account endpoints
// ABOUTME: Spawns real shell workers and seeds account snapshots

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func TestGateway_SpawnAndGetAgent(t *testing.T) {
	env := setupGateway(t)
	env.orch.SetCommandFactory(func(sess *store.AgentSession) *exec.Cmd {
		cmd := exec.Command("/bin/sh", "-c", `echo '{"type":"result","result":"done"}'`)
		cmd.Dir = sess.CWD
		return cmd
	})

	rec := env.do(t, http.MethodPost, "/api/agents", SpawnAgentRequest{
		Prompt: "summarize inbox", CWD: env.workDir,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AgentSessionResponse](t, rec)
	require.NotEmpty(t, created.ID)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/agents/"+created.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var sess AgentSessionResponse
		if err := json.NewDecoder(rec.Body).Decode(&sess); err != nil {
			return false
		}
		return sess.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/agents/"+created.ID, nil)
	final := decode[AgentSessionResponse](t, rec)
	assert.JSONEq(t, `{"type":"result","result":"done"}`, final.Result)

	// Terminal sessions reject kill with a conflict
	rec = env.do(t, http.MethodPost, "/api/agents/"+created.ID+"/kill", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGateway_SpawnRejectsBadCWD(t *testing.T) {
	env := setupGateway(t)

	rec := env.do(t, http.MethodPost, "/api/agents", SpawnAgentRequest{
		Prompt: "p", CWD: "/etc",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_KillRunningAgent(t *testing.T) {
	env := setupGateway(t)
	env.orch.SetCommandFactory(func(sess *store.AgentSession) *exec.Cmd {
		cmd := exec.Command("/bin/sh", "-c", "sleep 30")
		cmd.Dir = sess.CWD
		return cmd
	})

	rec := env.do(t, http.MethodPost, "/api/agents", SpawnAgentRequest{Prompt: "long", CWD: env.workDir})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[AgentSessionResponse](t, rec)

	rec = env.do(t, http.MethodPost, "/api/agents/"+created.ID+"/kill", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents/"+created.ID, nil)
	assert.Equal(t, "killed", decode[AgentSessionResponse](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/api/agents?status=killed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AgentSessionResponse](t, rec), 1)
}

func TestGateway_AgentNotFound(t *testing.T) {
	env := setupGateway(t)

	rec := env.do(t, http.MethodGet, "/api/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agents/ghost/kill", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func seedGatewayAccount(t *testing.T, s store.Store, id string, usage float64, resetAt time.Time) {
	t.Helper()
	patch := store.AccountPatch{UsagePercent: &usage, ResetTime: &resetAt}
	require.NoError(t, s.UpsertAccount(context.Background(), id, patch, time.Now().UTC()))
}

func TestGateway_AccountSelectAndStatus(t *testing.T) {
	env := setupGateway(t)
	now := time.Now().UTC()

	seedGatewayAccount(t, env.store, "hot", 80, now.Add(2*time.Hour))
	seedGatewayAccount(t, env.store, "cold", 20, now.Add(48*time.Hour))

	rec := env.do(t, http.MethodGet, "/api/accounts/select", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	selection := decode[AccountSelectionResponse](t, rec)
	assert.Equal(t, "hot", selection.Account.ID)
	assert.False(t, selection.Exhausted)

	rec = env.do(t, http.MethodGet, "/api/accounts/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AccountStatusReport](t, rec)
	require.Len(t, report.Accounts, 2)
	assert.Equal(t, "hot", report.Accounts[0].Account.ID)
	assert.False(t, report.AllExhausted)

	rec = env.do(t, http.MethodGet, "/api/accounts/cold", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20.0, decode[AccountResponse](t, rec).UsagePercent)
}

func TestGateway_AccountStatusFlagsAllExhausted(t *testing.T) {
	env := setupGateway(t)
	now := time.Now().UTC()

	seedGatewayAccount(t, env.store, "a", 100, now.Add(2*time.Hour))
	seedGatewayAccount(t, env.store, "b", 100, now.Add(5*time.Hour))

	rec := env.do(t, http.MethodGet, "/api/accounts/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AccountStatusReport](t, rec)
	require.Len(t, report.Accounts, 2)
	assert.True(t, report.AllExhausted)
}

func TestGateway_AccountPatch(t *testing.T) {
	env := setupGateway(t)

	usage := 55.0
	rec := env.do(t, http.MethodPatch, "/api/accounts/personal", UpdateAccountRequest{UsagePercent: &usage})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/accounts/personal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 55.0, decode[AccountResponse](t, rec).UsagePercent)

	rec = env.do(t, http.MethodPatch, "/api/accounts/personal", map[string]string{"reset_time": "not-a-time"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_AccountSelectWithNoneConfigured(t *testing.T) {
	env := setupGateway(t)

	rec := env.do(t, http.MethodGet, "/api/accounts/select", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_AccountReload(t *testing.T) {
	env := setupGateway(t)

	snapshot := `
[[accounts]]
id = "personal"
usage_percent = 12.0
`
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(env.dataDir), "accounts.toml"), []byte(snapshot), 0o600))

	rec := env.do(t, http.MethodPost, "/api/accounts/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	merged := decode[map[string]int](t, rec)
	assert.Equal(t, 1, merged["merged"])

	rec = env.do(t, http.MethodGet, "/api/accounts/personal", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
