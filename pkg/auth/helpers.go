package auth

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
	argon2 "github.com/andskur/argon2-hashing"
	"github.com/rotisserie/eris"
	guardian "github.com/shaj13/go-guardian/v2/auth"
	"github.com/shaj13/go-guardian/v2/auth/strategies/token"
	"github.com/shaj13/libcache"
	"github.com/zpatrick/rbac"

	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/srvlog"

	// Provides libcache.LRU
	_ "github.com/shaj13/libcache/lru"
)

var (
	// ErrUnauthenticated is returned if the request carries no valid token
	ErrUnauthenticated = eris.New("token missing or invalid")

	// ErrPermissionDenied is returned if the token's role lacks a permission
	ErrPermissionDenied = eris.New("permission denied")

	// ErrAuthCtxMissing is returned if the request didn't pass through the auth middleware
	ErrAuthCtxMissing = eris.New("auth context missing")
)

// tokens are "<name>.<secret>"; the token file stores the argon2 hash of the secret
const tokenSeparator = "."

type tokenEntry struct {
	Name string
	Role string
	Hash []byte
}

// Tokens holds the admin tokens loaded from the token file
type Tokens struct {
	lock    sync.RWMutex
	entries map[string]tokenEntry
}

// ParseTokens reads lines of the form "name role hash". Empty lines and lines starting
// with # are ignored.
func ParseTokens(content string) (*Tokens, error) {
	tokens := &Tokens{entries: make(map[string]tokenEntry)}
	scanner := bufio.NewScanner(strings.NewReader(content))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, eris.Errorf("line %d: expected 'name role hash'", line)
		}

		if _, err := getRbacRole(fields[1]); err != nil {
			return nil, eris.Wrapf(err, "line %d", line)
		}

		if strings.Contains(fields[0], tokenSeparator) {
			return nil, eris.Errorf("line %d: token names can't contain %q", line, tokenSeparator)
		}

		tokens.entries[fields[0]] = tokenEntry{Name: fields[0], Role: fields[1], Hash: []byte(fields[2])}
	}

	return tokens, nil
}

// LoadTokens reads the token file. An empty path yields an empty token set which rejects
// every request.
func LoadTokens(path string) (*Tokens, error) {
	if path == "" {
		return &Tokens{entries: make(map[string]tokenEntry)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read token file %s", path)
	}

	return ParseTokens(string(data))
}

// Len returns the number of configured tokens
func (t *Tokens) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.entries)
}

// Verify checks a bearer token and returns its owner and role
func (t *Tokens) Verify(tkn string) (string, string, error) {
	name, secret, ok := strings.Cut(tkn, tokenSeparator)
	if !ok || secret == "" {
		return "", "", ErrUnauthenticated
	}

	t.lock.RLock()
	entry, ok := t.entries[name]
	t.lock.RUnlock()
	if !ok {
		return "", "", ErrUnauthenticated
	}

	err := argon2.CompareHashAndPassword(entry.Hash, []byte(secret))
	switch err {
	case nil:
		return entry.Name, entry.Role, nil
	case argon2.ErrMismatchedHashAndPassword:
		return "", "", ErrUnauthenticated
	default:
		return "", "", eris.Wrapf(err, "token %s has an invalid hash", name)
	}
}

// NewToken generates a random token for name and the token file line matching it
func NewToken(cfg *config.Config, name, role string) (tkn string, line string, err error) {
	if _, err = getRbacRole(role); err != nil {
		return "", "", err
	}
	if name == "" || strings.ContainsAny(name, tokenSeparator+" \t") {
		return "", "", eris.Errorf("invalid token name %q", name)
	}

	secret, err := nanoid.Generate(nanoid.DefaultAlphabet, 48)
	if err != nil {
		return "", "", eris.Wrap(err, "failed to generate token")
	}

	hash, err := argon2.GenerateFromPassword([]byte(secret), (*argon2.Params)(&cfg.Argon2))
	if err != nil {
		return "", "", eris.Wrap(err, "failed to hash token")
	}

	return name + tokenSeparator + secret, name + " " + role + " " + string(hash), nil
}

type authPtr struct{}

type authContext struct {
	request  *http.Request
	strategy guardian.Strategy
	user     guardian.Info
	role     rbac.Role
}

// MakeAuthMiddleware attaches the token strategy to every request. Authentication only
// happens once a handler asks for the user.
func MakeAuthMiddleware(cfg *config.Config, tokens *Tokens, next http.Handler) http.Handler {
	cache := libcache.LRU.New(0)
	cache.SetTTL(cfg.Admin.CacheTTL)

	validate := func(ctx context.Context, r *http.Request, tkn string) (guardian.Info, time.Time, error) {
		name, role, err := tokens.Verify(tkn)
		if err != nil {
			if !eris.Is(err, ErrUnauthenticated) {
				srvlog.Log(ctx).Error().Err(err).Msg("Token verification failed")
			}
			return nil, time.Time{}, ErrUnauthenticated
		}

		srvlog.Log(ctx).Debug().Str("token", name).Msg("Token verified")
		return guardian.NewUserInfo(name, name, []string{role}, nil), time.Now().Add(cfg.Admin.CacheTTL), nil
	}
	strategy := token.New(validate, cache)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), authPtr{}, &authContext{request: r, strategy: strategy})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getAuthContext(ctx context.Context) (*authContext, error) {
	authCtxPtr := ctx.Value(authPtr{})
	if authCtxPtr == nil {
		return nil, ErrAuthCtxMissing
	}

	return authCtxPtr.(*authContext), nil
}

// GetUser returns the current user info
func GetUser(ctx context.Context) (guardian.Info, error) {
	authCtx, err := getAuthContext(ctx)
	if err != nil {
		return nil, err
	}

	if authCtx.user == nil {
		authCtx.user, err = authCtx.strategy.Authenticate(ctx, authCtx.request)
		if err != nil {
			return nil, eris.Wrap(ErrUnauthenticated, err.Error())
		}
	}
	return authCtx.user, nil
}

// GetRole checks authentication if necessary and returns the user's role
func GetRole(ctx context.Context) (*rbac.Role, error) {
	authCtx, err := getAuthContext(ctx)
	if err != nil {
		return nil, err
	}

	if authCtx.role.RoleID == "" {
		user, err := GetUser(ctx)
		if err != nil {
			return nil, err
		}

		groups := user.GetGroups()
		if len(groups) == 0 {
			return nil, eris.Wrap(ErrInvalidRole, "token has no role")
		}

		authCtx.role, err = getRbacRole(groups[0])
		if err != nil {
			return nil, err
		}
	}

	return &authCtx.role, nil
}

// CheckPermission verifies that the currently authenticated user has the given permission
func CheckPermission(ctx context.Context, perm Permission, bag interface{}) error {
	role, err := GetRole(ctx)
	if err != nil {
		return err
	}

	encBag, err := MarshalBag(bag)
	if err != nil {
		return err
	}

	allowed, err := role.Can(string(perm), encBag)
	if err != nil {
		return err
	}

	if !allowed {
		return eris.Wrapf(ErrPermissionDenied, "%s", perm)
	}

	return nil
}
