package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

// ManagerConfig is the static identity the manager republishes.
type ManagerConfig struct {
	AuthorityURL    string
	BaseURL         string
	ServiceURL      string
	CommonName      string
	PaymentMethods  []string
	HostingProvider string
	// Expiration is the lifetime of each published object; renewal
	// happens at half-life so counterparty caches never see a gap.
	Expiration time.Duration
}

// Payee is one merchant the provider vouches for.
type Payee struct {
	ID             string
	CommonName     string
	AuthorityURL   string
	AttestationKey string
	AccountHashes  []string
}

// Manager is the per-provider background task that regenerates and
// re-signs the provider authority and its payee authorities before
// they expire. Exactly one manager runs per provider process.
type Manager struct {
	logger        *slog.Logger
	signer        envelope.Signer
	encryptionKey func() string
	cfg           ManagerConfig
	payees        []Payee

	mu        sync.RWMutex
	current   []byte
	payeeDocs map[string][]byte

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func NewManager(logger *slog.Logger, signer envelope.Signer, encryptionKey func() string, cfg ManagerConfig, payees []Payee) *Manager {
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Hour
	}
	return &Manager{
		logger:        logger.With(slog.String("component", "authority-manager")),
		signer:        signer,
		encryptionKey: encryptionKey,
		cfg:           cfg,
		payees:        payees,
		payeeDocs:     make(map[string][]byte),
		now:           time.Now,
	}
}

// Start publishes immediately, then keeps republishing at half-life
// until Stop is called.
func (m *Manager) Start() error {
	if err := m.publish(); err != nil {
		return fmt.Errorf("initial authority publication: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Expiration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.publish(); err != nil {
					// Keep serving the previous object; it is valid
					// until its own expiry.
					m.logger.Error("authority republication failed", "err", err)
				}
			}
		}
	}()

	return nil
}

// Stop cancels the renewal task and waits for it to finish, so no
// half-written publication survives shutdown.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// CurrentAuthority returns the latest signed provider authority.
func (m *Manager) CurrentAuthority() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// PayeeAuthority returns the latest signed authority for a payee ID.
func (m *Manager) PayeeAuthority(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.payeeDocs[id]
	return doc, ok
}

// PayeeByAuthorityURL maps a payee authority URL back to its record.
func (m *Manager) PayeeByAuthorityURL(url string) (Payee, bool) {
	for _, p := range m.payees {
		if p.AuthorityURL == url {
			return p, true
		}
	}
	return Payee{}, false
}

func (m *Manager) publish() error {
	now := m.now().UTC().Truncate(time.Second)
	expires := now.Add(m.cfg.Expiration)

	payeeURLs := make([]string, 0, len(m.payees))
	for _, p := range m.payees {
		payeeURLs = append(payeeURLs, p.AuthorityURL)
	}

	provider := ProviderAuthority{
		Head:              protocol.NewHead(QualifierProviderAuthority),
		AuthorityURL:      m.cfg.AuthorityURL,
		BaseURL:           m.cfg.BaseURL,
		ServiceURL:        m.cfg.ServiceURL,
		CommonName:        m.cfg.CommonName,
		PaymentMethods:    m.cfg.PaymentMethods,
		SignatureProfiles: []string{envelope.AlgorithmES256},
		EncryptionParameters: []EncryptionParameter{{
			Algorithm: envelope.AlgorithmHPKEP256,
			PublicKey: m.encryptionKey(),
		}},
		HostingProvider: m.cfg.HostingProvider,
		Payees:          payeeURLs,
		Timestamp:       now,
		Expires:         expires,
	}

	signed, err := envelope.Sign(provider, m.signer)
	if err != nil {
		return fmt.Errorf("signing provider authority: %w", err)
	}

	docs := make(map[string][]byte, len(m.payees))
	for _, p := range m.payees {
		payee := PayeeAuthority{
			Head:                 protocol.NewHead(QualifierPayeeAuthority),
			AuthorityURL:         p.AuthorityURL,
			ProviderAuthorityURL: m.cfg.AuthorityURL,
			PayeeID:              p.ID,
			CommonName:           p.CommonName,
			AttestationKey:       p.AttestationKey,
			AccountHashes:        p.AccountHashes,
			Timestamp:            now,
			Expires:              expires,
		}
		doc, err := envelope.Sign(payee, m.signer)
		if err != nil {
			return fmt.Errorf("signing payee authority %s: %w", p.ID, err)
		}
		docs[p.ID] = doc
	}

	m.mu.Lock()
	m.current = signed
	m.payeeDocs = docs
	m.mu.Unlock()

	m.logger.Info("authority objects published",
		slog.Time("expires", expires),
		slog.Int("payees", len(docs)),
	)
	return nil
}
