package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tmasuda/dropherd/internal/lock"
	"github.com/tmasuda/dropherd/internal/model"
	yamlutil "github.com/tmasuda/dropherd/internal/yaml"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2SaltLen    = 16
	pbkdf2KeyLen     = 32
)

const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

// userAgents is the rotation pool for generated accounts.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// CreatedAccount pairs a stored account with the plaintext password
// generated for it. The plaintext exists only in this return value.
type CreatedAccount struct {
	Account  model.Account
	Password string
}

// AccountFilter narrows Query results. Zero fields match everything.
type AccountFilter struct {
	Platform string
	Status   model.PlatformStatus
	ProxyID  string
}

// AccountStore owns accounts.yaml with the same persist-then-commit
// discipline as the proxy store.
type AccountStore struct {
	path      string
	cfg       model.AccountsConfig
	platforms []string
	flk       *lock.FileLock

	mu       sync.Mutex
	accounts []model.Account

	now func() time.Time
}

// NewAccountStore loads path, or starts empty when the file does not
// exist yet.
func NewAccountStore(path string, cfg model.AccountsConfig) (*AccountStore, error) {
	s := &AccountStore{
		path:      path,
		cfg:       cfg,
		platforms: cfg.Platforms,
		flk:       lock.NewFileLock(path + ".lock"),
		now:       time.Now,
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// lockAndReload takes the cross-process file lock and refreshes the
// working set from disk. The caller unlocks s.flk.
func (s *AccountStore) lockAndReload() error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("lock account store: %w", err)
	}
	if err := s.reloadLocked(); err != nil {
		s.flk.Unlock()
		return err
	}
	return nil
}

// reloadLocked replaces the working set with the file contents. A
// missing file keeps the current set.
func (s *AccountStore) reloadLocked() error {
	var file model.AccountFile
	if err := yamlutil.Load(s.path, &file); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load account store: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeader(s.path, model.FileTypeAccounts); err != nil {
		return fmt.Errorf("account store header: %w", err)
	}
	s.accounts = file.Accounts
	return nil
}

// Create generates count fresh accounts with random credentials and
// every configured platform seeded at not_started. Accounts are
// persisted before the plaintext passwords are returned.
func (s *AccountStore) Create(count int) ([]CreatedAccount, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be >= 1, got %d", count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return nil, err
	}
	defer s.flk.Unlock()

	snapshot := s.snapshot()
	created := make([]CreatedAccount, 0, count)
	ts := s.now().UTC().Format(time.RFC3339)

	for i := 0; i < count; i++ {
		id, err := model.GenerateID(model.IDTypeAccount)
		if err != nil {
			s.restore(snapshot)
			return nil, fmt.Errorf("generate account id: %w", err)
		}

		email, err := s.generateEmail()
		if err != nil {
			s.restore(snapshot)
			return nil, err
		}
		password, err := generatePassword(s.cfg.PasswordLength)
		if err != nil {
			s.restore(snapshot)
			return nil, err
		}
		hash, err := HashPassword(password)
		if err != nil {
			s.restore(snapshot)
			return nil, err
		}
		ua, err := pickUserAgent()
		if err != nil {
			s.restore(snapshot)
			return nil, err
		}

		platforms := make(map[string]model.PlatformState, len(s.platforms))
		for _, p := range s.platforms {
			platforms[p] = model.PlatformState{Status: model.PlatformStatusNotStarted}
		}

		acct := model.Account{
			ID:           id,
			Email:        email,
			PasswordHash: hash,
			UserAgent:    ua,
			Platforms:    platforms,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
		s.accounts = append(s.accounts, acct)
		created = append(created, CreatedAccount{Account: acct, Password: password})
	}

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return nil, err
	}
	return created, nil
}

func (s *AccountStore) generateEmail() (string, error) {
	suffix := make([]byte, 4)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(26))
		if err != nil {
			return "", fmt.Errorf("generate email suffix: %w", err)
		}
		suffix[i] = byte('a' + n.Int64())
	}
	return fmt.Sprintf("user%d%s@%s", s.now().UnixMilli(), suffix, s.cfg.EmailDomain), nil
}

func generatePassword(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordCharset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = passwordCharset[n.Int64()]
	}
	return string(out), nil
}

func pickUserAgent() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userAgents))))
	if err != nil {
		return "", fmt.Errorf("pick user agent: %w", err)
	}
	return userAgents[n.Int64()], nil
}

// HashPassword derives a PBKDF2-SHA256 key and encodes salt+key as a
// single base64 blob.
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, key...)), nil
}

// VerifyPassword checks password against a HashPassword blob.
func VerifyPassword(hash, password string) bool {
	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil || len(raw) != pbkdf2SaltLen+pbkdf2KeyLen {
		return false
	}
	salt, key := raw[:pbkdf2SaltLen], raw[pbkdf2SaltLen:]
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hmac.Equal(derived, key)
}

// AssignProxy records the proxy relation on an account.
func (s *AccountStore) AssignProxy(accountID, proxyID string) error {
	return s.update(accountID, func(a *model.Account) error {
		a.ProxyID = proxyID
		return nil
	})
}

// UpdateStatus moves an account's platform through its lifecycle.
// Invalid transitions are rejected before anything is written.
func (s *AccountStore) UpdateStatus(accountID, platform string, status model.PlatformStatus) error {
	return s.update(accountID, func(a *model.Account) error {
		state, ok := a.Platforms[platform]
		if !ok {
			return fmt.Errorf("account %s has no platform %q", accountID, platform)
		}
		if err := model.ValidatePlatformTransition(state.Status, status); err != nil {
			return err
		}
		ts := s.now().UTC().Format(time.RFC3339)
		state.Status = status
		state.LastActivity = &ts
		a.Platforms[platform] = state
		return nil
	})
}

// SetPlatformUsername records the handle registered on a platform.
func (s *AccountStore) SetPlatformUsername(accountID, platform, username string) error {
	return s.update(accountID, func(a *model.Account) error {
		state, ok := a.Platforms[platform]
		if !ok {
			return fmt.Errorf("account %s has no platform %q", accountID, platform)
		}
		state.Username = username
		a.Platforms[platform] = state
		return nil
	})
}

// AppendNote adds a timestamped line to the account's notes.
func (s *AccountStore) AppendNote(accountID, note string) error {
	return s.update(accountID, func(a *model.Account) error {
		ts := s.now().UTC().Format(time.RFC3339)
		line := fmt.Sprintf("[%s] %s", ts, note)
		if a.Notes == "" {
			a.Notes = line
		} else {
			a.Notes = a.Notes + "\n" + line
		}
		return nil
	})
}

// update applies fn to a deep copy of the account and commits it only
// after a successful persist.
func (s *AccountStore) update(accountID string, fn func(*model.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	idx, err := s.indexOfLocked(accountID)
	if err != nil {
		return err
	}

	snapshot := s.snapshot()
	acct := cloneAccount(s.accounts[idx])
	if err := fn(&acct); err != nil {
		return err
	}
	acct.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	s.accounts[idx] = acct

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// Get returns a copy of the account by ID.
func (s *AccountStore) Get(accountID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.indexOfLocked(accountID)
	if err != nil {
		return nil, err
	}
	out := cloneAccount(s.accounts[idx])
	return &out, nil
}

// List returns a copy of every stored account.
func (s *AccountStore) List() []model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Account, 0, len(s.accounts))
	for i := range s.accounts {
		out = append(out, cloneAccount(s.accounts[i]))
	}
	return out
}

// Query returns accounts matching the filter.
func (s *AccountStore) Query(f AccountFilter) []model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Account
	for i := range s.accounts {
		a := &s.accounts[i]
		if f.ProxyID != "" && a.ProxyID != f.ProxyID {
			continue
		}
		if f.Platform != "" {
			state, ok := a.Platforms[f.Platform]
			if !ok {
				continue
			}
			if f.Status != "" && state.Status != f.Status {
				continue
			}
		} else if f.Status != "" {
			matched := false
			for _, state := range a.Platforms {
				if state.Status == f.Status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, cloneAccount(*a))
	}
	return out
}

func (s *AccountStore) indexOfLocked(accountID string) (int, error) {
	for i := range s.accounts {
		if s.accounts[i].ID == accountID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("account not found: %s", accountID)
}

func cloneAccount(a model.Account) model.Account {
	out := a
	out.Platforms = make(map[string]model.PlatformState, len(a.Platforms))
	for k, v := range a.Platforms {
		out.Platforms[k] = v
	}
	return out
}

func (s *AccountStore) snapshot() []model.Account {
	snap := make([]model.Account, len(s.accounts))
	for i := range s.accounts {
		snap[i] = cloneAccount(s.accounts[i])
	}
	return snap
}

func (s *AccountStore) restore(snap []model.Account) {
	s.accounts = snap
}

func (s *AccountStore) persistLocked() error {
	file := model.AccountFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.FileTypeAccounts,
		Accounts:      s.accounts,
	}
	if err := yamlutil.AtomicWrite(s.path, file); err != nil {
		return fmt.Errorf("persist account store: %w", err)
	}
	return nil
}
