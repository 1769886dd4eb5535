// Package accounts manages tenant master records, licenses, users, and API
// keys on the shared control plane. The license invariant: the sum of
// numberOfUsers over active licenses must cover every active user of the
// account.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowforge/backend/internal/store"
)

var (
	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountSuspended is returned when a suspended account attempts an
	// operation.
	ErrAccountSuspended = errors.New("account suspended")

	// ErrLicenseExceeded is returned when adding a user would exceed the
	// licensed seat cap, or when an account without an active license tries
	// to run a pipeline. Surfaced as a permission denial, never as a stage
	// failure.
	ErrLicenseExceeded = errors.New("license exceeded")

	// ErrInvalidAPIKey is returned when an API key fails verification.
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Account statuses.
const (
	AccountActive    = "active"
	AccountSuspended = "suspended"
)

// Cloud types control tenant data placement.
const (
	CloudPublic  = "public"
	CloudPrivate = "private"
	CloudHybrid  = "hybrid"
)

// Account is the master tenant record.
type Account struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	CloudType      string `json:"cloudType"`
	DedicatedTable string `json:"dedicatedTable,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// License grants a seat cap for one product until its end date.
type License struct {
	ID            string `json:"id"`
	AccountID     string `json:"accountId"`
	Product       string `json:"product"`
	NumberOfUsers int    `json:"numberOfUsers"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
}

// User is one seat under an account.
type User struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

const apiKeyPrefix = "ffg_"

// Service operates on the shared control plane.
type Service struct {
	control store.ItemStore
	now     func() time.Time
}

// NewService creates the account service over the control-plane table.
func NewService(control store.ItemStore) *Service {
	return &Service{control: control, now: time.Now}
}

// WithClock injects a time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func accountKey(accountID string) store.Key {
	return store.Key{PK: store.AccountPK(accountID), SK: store.MetadataSK}
}

// CreateAccount persists a new active account. CloudType defaults to
// public.
func (s *Service) CreateAccount(ctx context.Context, name, cloudType, dedicatedTable string) (*Account, error) {
	if name == "" {
		return nil, fmt.Errorf("account name required")
	}
	if cloudType == "" {
		cloudType = CloudPublic
	}
	switch cloudType {
	case CloudPublic, CloudPrivate, CloudHybrid:
	default:
		return nil, fmt.Errorf("unknown cloud type %q", cloudType)
	}

	acct := &Account{
		ID:             uuid.NewString(),
		Name:           name,
		Status:         AccountActive,
		CloudType:      cloudType,
		DedicatedTable: dedicatedTable,
		CreatedAt:      s.now().UTC().Format(time.RFC3339),
	}

	item := store.Item{
		store.AttrPK:     store.AccountPK(acct.ID),
		store.AttrSK:     store.MetadataSK,
		"id":             acct.ID,
		"name":           acct.Name,
		"status":         acct.Status,
		"cloudType":      acct.CloudType,
		"dedicatedTable": acct.DedicatedTable,
		"createdAt":      acct.CreatedAt,
	}
	if err := s.control.Put(ctx, item); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount loads one account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	item, err := s.control.Get(ctx, accountKey(accountID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &Account{
		ID:             item.GetString("id"),
		Name:           item.GetString("name"),
		Status:         item.GetString("status"),
		CloudType:      item.GetString("cloudType"),
		DedicatedTable: item.GetString("dedicatedTable"),
		CreatedAt:      item.GetString("createdAt"),
	}, nil
}

// SetStatus flips an account between active and suspended.
func (s *Service) SetStatus(ctx context.Context, accountID, status string) error {
	if status != AccountActive && status != AccountSuspended {
		return fmt.Errorf("unknown account status %q", status)
	}
	_, err := s.control.Update(ctx, accountKey(accountID), store.Item{"status": status})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return err
}

// CreateLicense records a seat grant for the account.
func (s *Service) CreateLicense(ctx context.Context, accountID, product string, seats int, start, end time.Time) (*License, error) {
	if seats <= 0 {
		return nil, fmt.Errorf("license seats must be positive")
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	lic := &License{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Product:       product,
		NumberOfUsers: seats,
		StartDate:     start.UTC().Format(time.RFC3339),
		EndDate:       end.UTC().Format(time.RFC3339),
	}
	item := store.Item{
		store.AttrPK:    store.AccountPK(accountID),
		store.AttrSK:    store.SortKey(store.EntityLicense, lic.ID),
		"id":            lic.ID,
		"accountId":     accountID,
		"product":       product,
		"numberOfUsers": seats,
		"startDate":     lic.StartDate,
		"endDate":       lic.EndDate,
	}
	if err := s.control.Put(ctx, item); err != nil {
		return nil, err
	}
	return lic, nil
}

// ListLicenses returns every license for the account.
func (s *Service) ListLicenses(ctx context.Context, accountID string) ([]License, error) {
	items, err := s.control.Query(ctx, store.AccountPK(accountID), store.EntityLicense+"#")
	if err != nil {
		return nil, err
	}
	out := make([]License, 0, len(items))
	for _, item := range items {
		out = append(out, License{
			ID:            item.GetString("id"),
			AccountID:     item.GetString("accountId"),
			Product:       item.GetString("product"),
			NumberOfUsers: item.GetInt("numberOfUsers"),
			StartDate:     item.GetString("startDate"),
			EndDate:       item.GetString("endDate"),
		})
	}
	return out, nil
}

// SeatCap sums numberOfUsers over licenses active at the given instant.
func (s *Service) SeatCap(ctx context.Context, accountID string, at time.Time) (int, error) {
	licenses, err := s.ListLicenses(ctx, accountID)
	if err != nil {
		return 0, err
	}
	ts := at.UTC().Format(time.RFC3339)
	cap := 0
	for _, lic := range licenses {
		if (lic.StartDate == "" || lic.StartDate <= ts) && lic.EndDate > ts {
			cap += lic.NumberOfUsers
		}
	}
	return cap, nil
}

// AddUser creates an active user if the seat cap allows one more.
func (s *Service) AddUser(ctx context.Context, accountID, email, name string) (*User, error) {
	if email == "" {
		return nil, fmt.Errorf("user email required")
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	now := s.now()
	cap, err := s.SeatCap(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	users, err := s.ListUsers(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, u := range users {
		if u.Status == AccountActive {
			active++
		}
	}
	if active+1 > cap {
		return nil, fmt.Errorf("%w: %d active users, %d licensed seats", ErrLicenseExceeded, active, cap)
	}

	user := &User{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Email:     email,
		Name:      name,
		Status:    AccountActive,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	item := store.Item{
		store.AttrPK: store.AccountPK(accountID),
		store.AttrSK: store.SortKey(store.EntityUser, user.ID),
		"id":         user.ID,
		"accountId":  accountID,
		"email":      email,
		"name":       name,
		"status":     user.Status,
		"createdAt":  user.CreatedAt,
	}
	if err := s.control.Put(ctx, item); err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns every user under the account.
func (s *Service) ListUsers(ctx context.Context, accountID string) ([]User, error) {
	items, err := s.control.Query(ctx, store.AccountPK(accountID), store.EntityUser+"#")
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(items))
	for _, item := range items {
		out = append(out, User{
			ID:        item.GetString("id"),
			AccountID: item.GetString("accountId"),
			Email:     item.GetString("email"),
			Name:      item.GetString("name"),
			Status:    item.GetString("status"),
			CreatedAt: item.GetString("createdAt"),
		})
	}
	return out, nil
}

// ValidateForExecution is the admission gate the engine runs before
// starting a pipeline: the account must exist, be active, and hold at
// least one license active right now.
func (s *Service) ValidateForExecution(ctx context.Context, accountID string) error {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Status != AccountActive {
		return fmt.Errorf("%w: %s", ErrAccountSuspended, accountID)
	}

	cap, err := s.SeatCap(ctx, accountID, s.now())
	if err != nil {
		return err
	}
	if cap <= 0 {
		return fmt.Errorf("%w: no active license for account %s", ErrLicenseExceeded, accountID)
	}
	return nil
}

// IssueAPIKey mints a new API key for the account and stores only its
// bcrypt hash. The plaintext ffg_<accountId>.<secret> is returned once and
// never persisted.
func (s *Service) IssueAPIKey(ctx context.Context, accountID string) (string, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return "", err
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	item := store.Item{
		store.AttrPK: store.AccountPK(accountID),
		store.AttrSK: "API_KEY",
		"hash":       string(hash),
		"createdAt":  s.now().UTC().Format(time.RFC3339),
	}
	if err := s.control.Put(ctx, item); err != nil {
		return "", err
	}
	return apiKeyPrefix + accountID + "." + secret, nil
}

// VerifyAPIKey checks a presented key and returns the account id it
// authenticates.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (string, error) {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return "", ErrInvalidAPIKey
	}
	rest := strings.TrimPrefix(key, apiKeyPrefix)
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 || idx == len(rest)-1 {
		return "", ErrInvalidAPIKey
	}
	accountID, secret := rest[:idx], rest[idx+1:]

	item, err := s.control.Get(ctx, store.Key{PK: store.AccountPK(accountID), SK: "API_KEY"})
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidAPIKey
	}
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(item.GetString("hash")), []byte(secret)) != nil {
		return "", ErrInvalidAPIKey
	}
	return accountID, nil
}
