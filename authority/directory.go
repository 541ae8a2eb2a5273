package authority

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

const (
	fetchTimeout     = 5 * time.Second
	maxAuthoritySize = 1 << 20
)

// Directory fetches and caches counterparty authority objects. Cached
// entries live until the object's own expiry; callers that hit an
// attestation mismatch refetch through the non-cached path exactly
// once before treating the mismatch as terminal.
type Directory struct {
	client *http.Client
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]Verified[ProviderAuthority]
	payees    map[string]Verified[PayeeAuthority]

	now func() time.Time
}

func NewDirectory(logger *slog.Logger, client *http.Client) *Directory {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Directory{
		client:    client,
		logger:    logger.With(slog.String("component", "authority-directory")),
		providers: make(map[string]Verified[ProviderAuthority]),
		payees:    make(map[string]Verified[PayeeAuthority]),
		now:       time.Now,
	}
}

// ProviderAuthority resolves url, from cache when cached is true and a
// live entry exists.
func (d *Directory) ProviderAuthority(ctx context.Context, url string, cached bool) (Verified[ProviderAuthority], error) {
	if cached {
		d.mu.RLock()
		entry, ok := d.providers[url]
		d.mu.RUnlock()
		if ok && d.now().Before(entry.Authority.Expires) {
			return entry, nil
		}
	}

	raw, err := d.fetch(ctx, url)
	if err != nil {
		return Verified[ProviderAuthority]{}, err
	}

	var obj ProviderAuthority
	signer, err := d.verify(raw, QualifierProviderAuthority, &obj)
	if err != nil {
		return Verified[ProviderAuthority]{}, fmt.Errorf("provider authority %s: %w", url, err)
	}
	if err := checkExpiry(obj.Expires, d.now()); err != nil {
		return Verified[ProviderAuthority]{}, fmt.Errorf("provider authority %s: %w", url, err)
	}

	entry := Verified[ProviderAuthority]{Authority: &obj, SignedBy: signer, FetchedAt: d.now()}
	d.mu.Lock()
	d.providers[url] = entry
	d.mu.Unlock()

	return entry, nil
}

// PayeeAuthority resolves url, from cache when cached is true and a
// live entry exists.
func (d *Directory) PayeeAuthority(ctx context.Context, url string, cached bool) (Verified[PayeeAuthority], error) {
	if cached {
		d.mu.RLock()
		entry, ok := d.payees[url]
		d.mu.RUnlock()
		if ok && d.now().Before(entry.Authority.Expires) {
			return entry, nil
		}
	}

	raw, err := d.fetch(ctx, url)
	if err != nil {
		return Verified[PayeeAuthority]{}, err
	}

	var obj PayeeAuthority
	signer, err := d.verify(raw, QualifierPayeeAuthority, &obj)
	if err != nil {
		return Verified[PayeeAuthority]{}, fmt.Errorf("payee authority %s: %w", url, err)
	}
	if err := checkExpiry(obj.Expires, d.now()); err != nil {
		return Verified[PayeeAuthority]{}, fmt.Errorf("payee authority %s: %w", url, err)
	}

	entry := Verified[PayeeAuthority]{Authority: &obj, SignedBy: signer, FetchedAt: d.now()}
	d.mu.Lock()
	d.payees[url] = entry
	d.mu.Unlock()

	return entry, nil
}

// VerifyTrustChain resolves the payee authority, then the provider
// authority it names, and checks that the payee authority was attested
// by the provider chain. Since authority objects are republished on a
// schedule, a mismatch on cached entries is first retried once through
// the network; a second mismatch is terminal.
func (d *Directory) VerifyTrustChain(ctx context.Context, payeeURL string) (Verified[PayeeAuthority], Verified[ProviderAuthority], error) {
	for _, cached := range []bool{true, false} {
		payee, err := d.PayeeAuthority(ctx, payeeURL, cached)
		if err != nil {
			return Verified[PayeeAuthority]{}, Verified[ProviderAuthority]{}, err
		}
		provider, err := d.ProviderAuthority(ctx, payee.Authority.ProviderAuthorityURL, cached)
		if err != nil {
			return Verified[PayeeAuthority]{}, Verified[ProviderAuthority]{}, err
		}

		var hosting *Verified[ProviderAuthority]
		if provider.Authority.HostingProvider != "" {
			h, err := d.ProviderAuthority(ctx, provider.Authority.HostingProvider, cached)
			if err != nil {
				return Verified[PayeeAuthority]{}, Verified[ProviderAuthority]{}, err
			}
			hosting = &h
		}

		if err := CheckAttestation(payee, provider, hosting); err != nil {
			if cached {
				d.logger.Info("attestation mismatch on cached authority, refetching",
					slog.String("payee", payeeURL),
					slog.String("provider", payee.Authority.ProviderAuthorityURL),
				)
				continue
			}
			return Verified[PayeeAuthority]{}, Verified[ProviderAuthority]{}, err
		}
		return payee, provider, nil
	}
	return Verified[PayeeAuthority]{}, Verified[ProviderAuthority]{}, ErrTrustChainMismatch
}

// fetch GETs an authority URL with bounded retry on transient errors.
func (d *Directory) fetch(ctx context.Context, url string) ([]byte, error) {
	var raw []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			// 5xx may be a publish in progress; 4xx will not improve.
			err := fmt.Errorf("authority fetch %s: status %d", url, resp.StatusCode)
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			return backoff.Permanent(fmt.Errorf("authority fetch %s: content type %q", url, ct))
		}

		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxAuthoritySize))
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return raw, nil
}

func (d *Directory) verify(raw []byte, qualifier string, out any) (*ecdsa.PublicKey, error) {
	return envelope.Verify(raw, protocol.ContextURI, qualifier, out)
}
