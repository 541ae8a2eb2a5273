package acquirer

import "time"

// Config is a configuration for the acquirer application.
type Config struct {
	HTTPAddr   string
	CommonName string
	// BaseURL is the public base the acquirer is reachable at.
	BaseURL string
	// CardNetworkAddr is the TCP endpoint of the card network; empty
	// means offline, in which case only test-mode operations succeed.
	CardNetworkAddr string
	// ProviderExpiration is the lifetime of the published authority
	// object.
	ProviderExpiration time.Duration
	// DedupTTL is how long a request fingerprint pins its response.
	DedupTTL time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:           "localhost:9080",
		CommonName:         "Saturn Demo Acquirer",
		BaseURL:            "http://localhost:9080",
		ProviderExpiration: time.Hour,
		DedupTTL:           5 * time.Minute,
	}
}

func (c *Config) AuthorityURL() string { return c.BaseURL + "/authority" }
func (c *Config) ServiceURL() string   { return c.BaseURL + "/service" }
