package security

import (
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
)

// DefaultCredentialTTL is how long a loaded credential stays cached.
const DefaultCredentialTTL = 5 * time.Minute

type cachedCredential struct {
	cred     ports.Credential
	loadedAt time.Time
}

// CachingProvider wraps a CredentialProvider and keeps loaded credentials
// in memory for a TTL, so reconnects and pool warm-up do not hit the
// keyring for every connection. Expired entries are wiped. Load hands out
// copies, which callers may wipe.
type CachingProvider struct {
	next  ports.CredentialProvider
	ttl   time.Duration
	clock ports.Clock

	mu      sync.Mutex
	entries map[profile.Profile]*cachedCredential
}

var _ ports.CredentialProvider = (*CachingProvider)(nil)

// CacheOption configures a CachingProvider.
type CacheOption func(*CachingProvider)

// WithCacheClock sets the clock used for expiry.
func WithCacheClock(c ports.Clock) CacheOption {
	return func(p *CachingProvider) { p.clock = c }
}

// NewCachingProvider caches next for ttl. A non-positive ttl uses
// DefaultCredentialTTL.
func NewCachingProvider(next ports.CredentialProvider, ttl time.Duration, opts ...CacheOption) *CachingProvider {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	p := &CachingProvider{
		next:    next,
		ttl:     ttl,
		clock:   realclock.New(),
		entries: make(map[profile.Profile]*cachedCredential),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load implements ports.CredentialProvider.
func (p *CachingProvider) Load(prof profile.Profile) (ports.Credential, error) {
	now := p.clock.Now()

	p.mu.Lock()
	if e, ok := p.entries[prof]; ok {
		if now.Sub(e.loadedAt) <= p.ttl {
			c := CloneCredential(e.cred)
			p.mu.Unlock()
			return c, nil
		}
		WipeCredential(&e.cred)
		delete(p.entries, prof)
	}
	p.mu.Unlock()

	c, err := p.next.Load(prof)
	if err != nil {
		return ports.Credential{}, err
	}
	if c.IsEmpty() {
		return c, nil
	}

	p.mu.Lock()
	p.entries[prof] = &cachedCredential{cred: CloneCredential(c), loadedAt: now}
	p.mu.Unlock()
	return c, nil
}

// Save stores through and refreshes the cache.
func (p *CachingProvider) Save(prof profile.Profile, c ports.Credential) error {
	p.Forget(prof)
	return p.next.Save(prof, c)
}

// Delete removes from the wrapped provider and the cache.
func (p *CachingProvider) Delete(prof profile.Profile) error {
	p.Forget(prof)
	return p.next.Delete(prof)
}

// Forget wipes the cached credential of one profile.
func (p *CachingProvider) Forget(prof profile.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[prof]; ok {
		WipeCredential(&e.cred)
		delete(p.entries, prof)
	}
}

// Clear wipes every cached credential.
func (p *CachingProvider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		WipeCredential(&e.cred)
		delete(p.entries, k)
	}
}

// Cleanup wipes expired entries.
func (p *CachingProvider) Cleanup() {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		if now.Sub(e.loadedAt) > p.ttl {
			WipeCredential(&e.cred)
			delete(p.entries, k)
		}
	}
}
