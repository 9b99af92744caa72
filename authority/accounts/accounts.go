// Package accounts loads account feature flags from a YAML file and
// reloads them when the file changes.
package accounts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/protravka/protravka/logkeys"

	"github.com/fsnotify/fsnotify"
	"github.com/micromdm/nanolib/log"
	"gopkg.in/yaml.v3"
)

// Account holds the feature flags of one account.
type Account struct {
	Name string `yaml:"name,omitempty"`

	// UsesLabControl sends completed orders to lab control instead of
	// straight to acknowledgement.
	UsesLabControl bool `yaml:"uses_lab_control"`
}

type file struct {
	Accounts map[string]Account `yaml:"accounts"`
}

// Accounts is a reloadable set of accounts.
type Accounts struct {
	path   string
	logger log.Logger

	mu       sync.RWMutex
	accounts map[string]Account
}

type Option func(*Accounts)

func WithLogger(logger log.Logger) Option {
	return func(a *Accounts) {
		a.logger = logger
	}
}

// Load reads the accounts file at path.
func Load(path string, opts ...Option) (*Accounts, error) {
	a := &Accounts{path: path, logger: log.NopLogger}
	for _, opt := range opts {
		opt(a)
	}
	return a, a.Reload()
}

// New creates accounts from a map. It can not be reloaded.
func New(accounts map[string]Account) *Accounts {
	return &Accounts{logger: log.NopLogger, accounts: accounts}
}

// Reload reads the accounts file again.
// The previous accounts stay in effect if it can not be parsed.
func (a *Accounts) Reload() error {
	if a.path == "" {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("reading accounts: %w", err)
	}
	var f file
	if err = yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing accounts: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = f.Accounts
	return nil
}

// Account returns the account with id.
func (a *Accounts) Account(id string) (Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[id]
	return acct, ok
}

// UsesLabControl reports the lab control flag of accountID.
// Unknown accounts do not use lab control.
func (a *Accounts) UsesLabControl(accountID string) bool {
	acct, _ := a.Account(accountID)
	return acct.UsesLabControl
}

// Watch reloads the accounts whenever the file changes until ctx is done.
// The directory is watched so that replaced files are picked up.
func (a *Accounts) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err = w.Add(filepath.Dir(a.path)); err != nil {
		return fmt.Errorf("watch %s: %w", a.path, err)
	}
	name := filepath.Clean(a.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if err := a.Reload(); err != nil {
				a.logger.Info(logkeys.Message, "reloading accounts", logkeys.Error, err)
			} else {
				a.logger.Debug(logkeys.Message, "reloaded accounts")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}
