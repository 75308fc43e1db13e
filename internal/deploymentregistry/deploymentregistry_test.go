package deploymentregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agentsentinel/controlplane/internal/db"
	"github.com/agentsentinel/controlplane/internal/repositories"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&db.DeploymentHandle{}))
	return gdb
}

func TestRegisterAndGetByAddress(t *testing.T) {
	reg := New(openTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)

	err := reg.Register(t.Context(), Handle{
		AgentAddress:    "0xabc",
		SequenceID:      "seq-1",
		Owner:           "0xowner",
		Provider:        "akash",
		NominalInterval: 6 * time.Hour,
		HardDeadline:    7 * 24 * time.Hour,
		ExpiresAt:       now.Add(time.Hour),
	})
	require.NoError(t, err)

	got, err := reg.GetByAddress(t.Context(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "seq-1", got.SequenceID)
	assert.Equal(t, 6*time.Hour, got.NominalInterval)
	assert.Equal(t, 7*24*time.Hour, got.HardDeadline)
}

func TestGetByAddress_NotFound(t *testing.T) {
	reg := New(openTestDB(t))
	_, err := reg.GetByAddress(t.Context(), "0xmissing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestRegister_ReplacesExistingHandleForSameAgent(t *testing.T) {
	reg := New(openTestDB(t))
	now := time.Now().UTC()

	require.NoError(t, reg.Register(t.Context(), Handle{
		AgentAddress: "0xabc", SequenceID: "seq-1", ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, reg.Register(t.Context(), Handle{
		AgentAddress: "0xabc", SequenceID: "seq-2", ExpiresAt: now.Add(2 * time.Hour),
	}))

	got, err := reg.GetByAddress(t.Context(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "seq-2", got.SequenceID)
}

func TestRefresh(t *testing.T) {
	reg := New(openTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, reg.Register(t.Context(), Handle{
		AgentAddress: "0xabc", SequenceID: "seq-1", ExpiresAt: now.Add(time.Hour),
	}))

	newExpiry := now.Add(6 * time.Hour)
	require.NoError(t, reg.Refresh(t.Context(), "0xabc", newExpiry))

	got, err := reg.GetByAddress(t.Context(), "0xabc")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(newExpiry))
}

func TestRefresh_NotFound(t *testing.T) {
	reg := New(openTestDB(t))
	err := reg.Refresh(t.Context(), "0xmissing", time.Now())
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestDeregister(t *testing.T) {
	reg := New(openTestDB(t))
	now := time.Now().UTC()

	require.NoError(t, reg.Register(t.Context(), Handle{
		AgentAddress: "0xabc", SequenceID: "seq-1", ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, reg.Deregister(t.Context(), "0xabc"))

	_, err := reg.GetByAddress(t.Context(), "0xabc")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestListActive_ExcludesExpired(t *testing.T) {
	reg := New(openTestDB(t))
	now := time.Now().UTC()

	require.NoError(t, reg.Register(t.Context(), Handle{
		AgentAddress: "0xactive", SequenceID: "seq-active", ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, reg.Register(t.Context(), Handle{
		AgentAddress: "0xexpired", SequenceID: "seq-expired", ExpiresAt: now.Add(-time.Hour),
	}))

	active, err := reg.ListActive(t.Context(), now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "0xactive", active[0].AgentAddress)
}
