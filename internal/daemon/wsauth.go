package daemon

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Headers carrying the websocket handshake signature.
const (
	HeaderClient = "X-Assistantd-Client"
	HeaderTS     = "X-Assistantd-Ts"
	HeaderNonce  = "X-Assistantd-Nonce"
	HeaderSig    = "X-Assistantd-Sig"
)

const (
	DefaultAuthSkew = 60 * time.Second
	DefaultNonceTTL = 3 * time.Minute
	DefaultNonceMax = 20000
)

// Sign returns the hex HMAC-SHA256 of client, ts and nonce.
func Sign(secret []byte, client string, ts int64, nonce string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	c := strings.TrimSpace(client)
	if c == "" {
		return "", errors.New("client is required")
	}
	n := strings.TrimSpace(nonce)
	if n == "" {
		return "", errors.New("nonce is required")
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(c))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write([]byte(n))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignedHeaders builds the handshake headers for a websocket dial.
func SignedHeaders(secret []byte, client string, now time.Time) (http.Header, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, err
	}
	nonce := hex.EncodeToString(b[:])
	ts := now.UTC().Unix()
	sig, err := Sign(secret, client, ts, nonce)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(HeaderClient, strings.TrimSpace(client))
	h.Set(HeaderTS, strconv.FormatInt(ts, 10))
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSig, sig)
	return h, nil
}

// Authenticator verifies signed websocket handshakes.
type Authenticator struct {
	Secret []byte
	Skew   time.Duration
	Nonces *NonceCache
	Now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		Secret: []byte(strings.TrimSpace(secret)),
		Nonces: NewNonceCache(DefaultNonceTTL, DefaultNonceMax),
	}
}

func (a *Authenticator) VerifyRequest(r *http.Request) (client string, err error) {
	client = strings.TrimSpace(r.Header.Get(HeaderClient))
	ts, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderTS)), 10, 64)
	if err != nil {
		return client, errors.New("invalid auth timestamp")
	}
	return client, a.Verify(client, ts, r.Header.Get(HeaderNonce), r.Header.Get(HeaderSig))
}

func (a *Authenticator) Verify(client string, ts int64, nonce string, sig string) error {
	if a == nil || len(a.Secret) == 0 {
		return errors.New("auth secret is not configured")
	}
	if strings.TrimSpace(client) == "" || ts == 0 || strings.TrimSpace(nonce) == "" || strings.TrimSpace(sig) == "" {
		return errors.New("auth fields client/ts/nonce/sig are required")
	}
	nowFn := a.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	now := nowFn()
	skew := a.Skew
	if skew <= 0 {
		skew = DefaultAuthSkew
	}
	at := time.Unix(ts, 0).UTC()
	if at.After(now.Add(skew)) || at.Before(now.Add(-skew)) {
		return fmt.Errorf("auth timestamp outside allowed skew (ts=%s now=%s skew=%s)", at.Format(time.RFC3339), now.Format(time.RFC3339), skew)
	}

	expected, err := Sign(a.Secret, client, ts, nonce)
	if err != nil {
		return err
	}
	expBytes, err := hex.DecodeString(expected)
	if err != nil {
		return err
	}
	gotBytes, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return errors.New("invalid auth signature")
	}
	if !hmac.Equal(expBytes, gotBytes) {
		return errors.New("invalid auth signature")
	}
	// Only a valid signature burns its nonce.
	if !a.Nonces.Use(strings.TrimSpace(nonce), now) {
		return errors.New("auth nonce already used")
	}
	return nil
}

// NonceCache remembers recently used nonces to reject replays.
type NonceCache struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	ttl       time.Duration
	max       int
	lastSweep time.Time
}

func NewNonceCache(ttl time.Duration, max int) *NonceCache {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if max <= 0 {
		max = DefaultNonceMax
	}
	return &NonceCache{entries: make(map[string]time.Time), ttl: ttl, max: max}
}

// Use records nonce and reports whether it was unused. A nil cache accepts
// everything.
func (c *NonceCache) Use(nonce string, now time.Time) bool {
	if c == nil {
		return true
	}
	if nonce == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) > c.ttl/2 {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	if exp, ok := c.entries[nonce]; ok && now.Before(exp) {
		return false
	}
	if len(c.entries) >= c.max {
		c.sweepLocked(now)
		if len(c.entries) >= c.max {
			c.entries = make(map[string]time.Time)
		}
	}
	c.entries[nonce] = now.Add(c.ttl)
	return true
}

func (c *NonceCache) sweepLocked(now time.Time) {
	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
}
