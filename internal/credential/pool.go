package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	plexus "github.com/plexusgw/plexus/internal"
)

// expiryMargin is the minimum remaining validity for a credential to be
// handed out without a refresh.
const expiryMargin = 60 * time.Second

// Store persists credentials, keyed by (provider kind, user id).
type Store interface {
	LoadCredentials(ctx context.Context) ([]plexus.Credential, error)
	UpsertCredential(ctx context.Context, cred plexus.Credential) error
	DeleteCredential(ctx context.Context, providerKind, userID string) error
}

// Health reports cooldown status for "provider#account" keys.
type Health interface {
	Healthy(key string) bool
}

// Pool holds the credentials of all OAuth account pools and picks one per
// dispatch, round-robin within eligible accounts. Safe for concurrent use.
type Pool struct {
	store  Store
	oauth  *OAuth
	health Health
	log    *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	creds map[string]map[string]*plexus.Credential // kind -> user -> credential
	next  map[string]int                           // kind -> round-robin counter

	refresh singleflight.Group
}

// NewPool returns a Pool over store. Call Load before serving.
func NewPool(store Store, oauth *OAuth, health Health, log *slog.Logger) *Pool {
	return &Pool{
		store:  store,
		oauth:  oauth,
		health: health,
		log:    log,
		now:    time.Now,
		creds:  make(map[string]map[string]*plexus.Credential),
		next:   make(map[string]int),
	}
}

// Load reads all persisted credentials into memory.
func (p *Pool) Load(ctx context.Context) error {
	creds, err := p.store.LoadCredentials(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for i := range creds {
		c := creds[i]
		byUser := p.creds[c.ProviderKind]
		if byUser == nil {
			byUser = make(map[string]*plexus.Credential)
			p.creds[c.ProviderKind] = byUser
		}
		byUser[c.UserID] = &c
	}
	p.mu.Unlock()
	return nil
}

// Put stores a credential (new login or refreshed tokens) in memory and
// the store.
func (p *Pool) Put(ctx context.Context, cred plexus.Credential) error {
	p.mu.Lock()
	byUser := p.creds[cred.ProviderKind]
	if byUser == nil {
		byUser = make(map[string]*plexus.Credential)
		p.creds[cred.ProviderKind] = byUser
	}
	c := cred
	byUser[cred.UserID] = &c
	p.mu.Unlock()
	return p.store.UpsertCredential(ctx, cred)
}

// Take picks a credential for the provider. Eligible credentials are not
// expiring within the margin and their provider#account key is healthy.
// Selection is round-robin over the provider's account pool in sorted
// order. Returns ErrAllAccountsExhausted when none qualify.
func (p *Pool) Take(providerID, kind string, accountPool []string) (plexus.Credential, error) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	byUser := p.creds[kind]
	var eligible []*plexus.Credential
	for _, user := range sortedPool(accountPool, byUser) {
		c, ok := byUser[user]
		if !ok {
			continue
		}
		if !c.ExpiresAt.After(now.Add(expiryMargin)) {
			continue
		}
		if !p.health.Healthy(providerID + "#" + c.UserID) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return plexus.Credential{}, plexus.ErrAllAccountsExhausted
	}

	counterKey := providerID + "/" + kind
	i := p.next[counterKey] % len(eligible)
	p.next[counterKey]++
	return *eligible[i], nil
}

// sortedPool returns the account pool in stable order; an empty pool
// means every known account of the kind.
func sortedPool(accountPool []string, byUser map[string]*plexus.Credential) []string {
	var users []string
	if len(accountPool) > 0 {
		users = append(users, accountPool...)
	} else {
		for user := range byUser {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

// RefreshIfNeeded refreshes the credential when it is within its kind's
// refresh threshold of expiry. Concurrent refreshes of the same account
// are deduplicated; every waiter gets the single result.
func (p *Pool) RefreshIfNeeded(ctx context.Context, cred plexus.Credential) (plexus.Credential, error) {
	if cred.ExpiresAt.Sub(p.now()) >= RefreshThreshold(cred.ProviderKind) {
		return cred, nil
	}

	key := cred.ProviderKind + "/" + cred.UserID
	v, err, _ := p.refresh.Do(key, func() (any, error) {
		// Re-read under the flight: a concurrent refresh may have
		// already renewed this account.
		current, ok := p.get(cred.ProviderKind, cred.UserID)
		if ok && current.ExpiresAt.Sub(p.now()) >= RefreshThreshold(cred.ProviderKind) {
			return current, nil
		}
		if !ok {
			current = cred
		}
		renewed, err := p.oauth.Refresh(ctx, current)
		if err != nil {
			return plexus.Credential{}, err
		}
		if err := p.Put(ctx, renewed); err != nil {
			p.log.Warn("credential persist failed", "kind", renewed.ProviderKind, "user", renewed.UserID, "error", err)
		}
		return renewed, nil
	})
	if err != nil {
		return plexus.Credential{}, fmt.Errorf("refresh %s: %w", key, err)
	}
	return v.(plexus.Credential), nil
}

// Expiring returns credentials within their refresh threshold, for the
// background refresher.
func (p *Pool) Expiring() []plexus.Credential {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []plexus.Credential
	for kind, byUser := range p.creds {
		threshold := RefreshThreshold(kind)
		for _, c := range byUser {
			if c.ExpiresAt.Sub(now) < threshold {
				out = append(out, *c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderKind != out[j].ProviderKind {
			return out[i].ProviderKind < out[j].ProviderKind
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// All returns every credential, for admin introspection. Tokens are
// redacted by the caller.
func (p *Pool) All() []plexus.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []plexus.Credential
	for _, byUser := range p.creds {
		for _, c := range byUser {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderKind != out[j].ProviderKind {
			return out[i].ProviderKind < out[j].ProviderKind
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (p *Pool) get(kind, user string) (plexus.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.creds[kind][user]; ok {
		return *c, true
	}
	return plexus.Credential{}, false
}
