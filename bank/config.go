package bank

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/saturnpay/saturn/authority"
)

// Config is a configuration for the bank application.
type Config struct {
	HTTPAddr   string
	CommonName string
	// BaseURL is the public base the bank is reachable at; the
	// authority, service and interbanking endpoints hang off it.
	BaseURL string
	// AcquirerAuthorityURL locates the acquirer that card-network
	// account data is encrypted to.
	AcquirerAuthorityURL string

	// MaxClientClockSkew bounds how far into the future a payer
	// timestamp may point; MaxClientAuthAge bounds its age.
	MaxClientClockSkew time.Duration
	MaxClientAuthAge   time.Duration
	// ProviderExpiration is the lifetime of published authority
	// objects; renewal runs at half-life.
	ProviderExpiration time.Duration
	// DedupTTL is how long a request fingerprint pins its response.
	DedupTTL time.Duration
	// RestoreInterval is the demo account sweeper period; zero
	// disables the sweeper.
	RestoreInterval time.Duration

	// DemoAccountLimit soft-rejects any payment at or above it.
	DemoAccountLimit decimal.Decimal

	// Payees is the merchant directory: the payees this provider
	// vouches for and publishes authorities for.
	Payees []authority.Payee
	// TrustedPaymentKeys and TrustedAcquirerKeys are encoded public
	// keys accepted on the interbanking endpoint for account and card
	// operations respectively.
	TrustedPaymentKeys  []string
	TrustedAcquirerKeys []string

	// HSM settings. An empty HSMLibPath selects an in-memory key,
	// which is what demos and tests run on.
	HSMLibPath  string
	HSMSlot     uint
	HSMPIN      string
	HSMKeyLabel string
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:           "localhost:9070",
		CommonName:         "Saturn Demo Bank",
		BaseURL:            "http://localhost:9070",
		MaxClientClockSkew: 5 * time.Minute,
		MaxClientAuthAge:   20 * time.Minute,
		ProviderExpiration: time.Hour,
		DedupTTL:           5 * time.Minute,
		RestoreInterval:    10 * time.Minute,
		DemoAccountLimit:   decimal.RequireFromString("1000000.00"),
	}
}

func (c *Config) AuthorityURL() string    { return c.BaseURL + "/authority" }
func (c *Config) ServiceURL() string      { return c.BaseURL + "/service" }
func (c *Config) InterbankingURL() string { return c.BaseURL + "/interbanking" }
func (c *Config) PayeeAuthorityURL(id string) string {
	return c.BaseURL + "/payees/" + id
}
