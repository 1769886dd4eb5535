package accounts

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/backend/internal/store"
)

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	return NewService(store.NewMemoryStore("flowforge")).WithClock(func() time.Time { return now })
}

func mustAccount(t *testing.T, s *Service) *Account {
	t.Helper()
	acct, err := s.CreateAccount(context.Background(), "Acme Corp", "", "")
	require.NoError(t, err)
	return acct
}

func TestCreateAccount_Defaults(t *testing.T) {
	s := newTestService(t, time.Now())
	acct := mustAccount(t, s)

	assert.Equal(t, AccountActive, acct.Status)
	assert.Equal(t, CloudPublic, acct.CloudType)
	assert.NotEmpty(t, acct.ID)

	got, err := s.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct, got)

	_, err = s.CreateAccount(context.Background(), "bad", "lunar", "")
	assert.Error(t, err)
}

func TestGetAccount_Unknown(t *testing.T) {
	s := newTestService(t, time.Now())
	_, err := s.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSeatCap_SumsActiveLicensesOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := newTestService(t, now)
	acct := mustAccount(t, s)

	_, err := s.CreateLicense(ctx, acct.ID, "pipelines", 5, now.AddDate(0, -1, 0), now.AddDate(0, 1, 0))
	require.NoError(t, err)
	_, err = s.CreateLicense(ctx, acct.ID, "pipelines", 3, now.AddDate(0, -2, 0), now.AddDate(0, 2, 0))
	require.NoError(t, err)
	// Expired and not-yet-started licenses are excluded.
	_, err = s.CreateLicense(ctx, acct.ID, "pipelines", 100, now.AddDate(-1, 0, 0), now.AddDate(0, -1, 0))
	require.NoError(t, err)
	_, err = s.CreateLicense(ctx, acct.ID, "pipelines", 100, now.AddDate(0, 1, 0), now.AddDate(0, 2, 0))
	require.NoError(t, err)

	cap, err := s.SeatCap(ctx, acct.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 8, cap)
}

func TestAddUser_EnforcesSeatCap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := newTestService(t, now)
	acct := mustAccount(t, s)

	_, err := s.CreateLicense(ctx, acct.ID, "pipelines", 2, now.AddDate(0, -1, 0), now.AddDate(0, 1, 0))
	require.NoError(t, err)

	_, err = s.AddUser(ctx, acct.ID, "one@acme.test", "One")
	require.NoError(t, err)
	_, err = s.AddUser(ctx, acct.ID, "two@acme.test", "Two")
	require.NoError(t, err)

	_, err = s.AddUser(ctx, acct.ID, "three@acme.test", "Three")
	assert.ErrorIs(t, err, ErrLicenseExceeded)

	users, err := s.ListUsers(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestValidateForExecution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s := newTestService(t, now)
	acct := mustAccount(t, s)

	// No license yet.
	assert.ErrorIs(t, s.ValidateForExecution(ctx, acct.ID), ErrLicenseExceeded)

	_, err := s.CreateLicense(ctx, acct.ID, "pipelines", 1, now.AddDate(0, -1, 0), now.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.NoError(t, s.ValidateForExecution(ctx, acct.ID))

	require.NoError(t, s.SetStatus(ctx, acct.ID, AccountSuspended))
	assert.ErrorIs(t, s.ValidateForExecution(ctx, acct.ID), ErrAccountSuspended)

	assert.ErrorIs(t, s.ValidateForExecution(ctx, "ghost"), ErrAccountNotFound)
}

func TestAPIKey_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, time.Now())
	acct := mustAccount(t, s)

	key, err := s.IssueAPIKey(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "ffg_"+acct.ID+"."))

	got, err := s.VerifyAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got)
}

func TestAPIKey_VerifyRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, time.Now())
	acct := mustAccount(t, s)

	key, err := s.IssueAPIKey(ctx, acct.ID)
	require.NoError(t, err)

	cases := []string{
		"",
		"not-a-key",
		"ffg_" + acct.ID,                 // no separator
		"ffg_" + acct.ID + ".",           // empty secret
		"ffg_" + acct.ID + ".deadbeef",   // wrong secret
		"ffg_ghost." + key[len(key)-48:], // wrong account
	}
	for _, bad := range cases {
		_, err := s.VerifyAPIKey(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidAPIKey, "key %q", bad)
	}

	// Reissuing rotates the key: the old secret stops working.
	_, err = s.IssueAPIKey(ctx, acct.ID)
	require.NoError(t, err)
	_, err = s.VerifyAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}
