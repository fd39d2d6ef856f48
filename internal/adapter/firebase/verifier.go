package firebase

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/bookstore-auth/internal/clock"
	"github.com/smallbiznis/bookstore-auth/internal/domain"
)

const (
	issuerPrefix     = "https://securetoken.google.com/"
	defaultCertsTTL  = time.Hour
	maxCertsBodySize = 1 << 20
)

var (
	// ErrVerification wraps every reason an ID token is rejected.
	ErrVerification = errors.New("firebase: id token verification failed")
	// ErrNotConfigured is returned when no project id is set.
	ErrNotConfigured = errors.New("firebase: project id not configured")
)

// Verifier checks Firebase ID tokens against Google's published signing certificates.
type Verifier struct {
	projectID  string
	certsURL   string
	httpClient *http.Client
	clock      clock.Clock

	// refetch bounds certificate downloads triggered by unknown key ids.
	refetch *rate.Limiter
	fetchMu sync.Mutex

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	// generation counts successful downloads.
	generation uint64
}

// Options configures a Verifier.
type Options struct {
	ProjectID  string
	CertsURL   string
	HTTPClient *http.Client
	Clock      clock.Clock
}

// NewVerifier constructs a Verifier.
func NewVerifier(opts Options) *Verifier {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{
		projectID:  strings.TrimSpace(opts.ProjectID),
		certsURL:   opts.CertsURL,
		httpClient: client,
		clock:      clock.Or(opts.Clock),
		refetch:    rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Verify validates raw and returns the identity it asserts.
func (v *Verifier) Verify(ctx context.Context, raw string) (domain.FederatedIdentity, error) {
	if v.projectID == "" {
		return domain.FederatedIdentity{}, ErrNotConfigured
	}
	if strings.TrimSpace(raw) == "" {
		return domain.FederatedIdentity{}, fmt.Errorf("%w: empty token", ErrVerification)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuerPrefix+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.clock.Now),
	)

	claims := &idTokenClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.publicKey(ctx, kid)
	}); err != nil {
		return domain.FederatedIdentity{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if claims.Subject == "" || email == "" {
		return domain.FederatedIdentity{}, fmt.Errorf("%w: subject and email are required", ErrVerification)
	}

	return domain.FederatedIdentity{
		Provider:      domain.ProviderFirebase,
		Subject:       claims.Subject,
		Email:         email,
		EmailVerified: claims.EmailVerified,
		Name:          strings.TrimSpace(claims.Name),
	}, nil
}

func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, fresh, seen := v.cached(kid)
	if key != nil && fresh {
		return key, nil
	}
	// A fresh cache without the kid only refetches within the limiter budget.
	if fresh && !v.refetch.Allow() {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	if err := v.refresh(ctx, seen); err != nil {
		if key != nil {
			return key, nil
		}
		return nil, err
	}
	if key, _, _ = v.cached(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

func (v *Verifier) cached(kid string) (*rsa.PublicKey, bool, uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys[kid], v.keys != nil && v.clock.Now().Before(v.expiresAt), v.generation
}

// refresh downloads the certificate set unless another caller already did so
// after seen was observed.
func (v *Verifier) refresh(ctx context.Context, seen uint64) error {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	v.mu.RLock()
	current := v.generation
	v.mu.RUnlock()
	if current != seen {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return fmt.Errorf("build certs request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch certs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch certs: status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertsBodySize))
	if err != nil {
		return fmt.Errorf("read certs: %w", err)
	}

	var certs map[string]string
	if err := json.Unmarshal(body, &certs); err != nil {
		return fmt.Errorf("decode certs: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pemCert := range certs {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemCert))
		if err != nil {
			return fmt.Errorf("parse cert %s: %w", kid, err)
		}
		keys[kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.expiresAt = v.clock.Now().Add(maxAge(resp.Header.Get("Cache-Control")))
	v.generation++
	v.mu.Unlock()
	return nil
}

func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds <= 0 {
			break
		}
		return time.Duration(seconds) * time.Second
	}
	return defaultCertsTTL
}
