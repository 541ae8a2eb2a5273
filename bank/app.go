package bank

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	_ "github.com/lib/pq"

	"github.com/saturnpay/saturn/authority"
	"github.com/saturnpay/saturn/credentials"
	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/interbanking"
	"github.com/saturnpay/saturn/internal/middleware"
	"github.com/saturnpay/saturn/methods"
)

// App is the main application, it contains all the components of the
// bank service and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config

	Service    *Service
	Repository *Repository

	manager  *authority.Manager
	restorer *Restorer
	hsm      *credentials.HSMSigner
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "bank"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))

	// Choose repository backend: default to pg for runtime; allow mem
	// only when explicitly enabled for tests and demos.
	var repository *Repository
	backend := getenv("REPO_BACKEND", "pg")
	allowMem := getenv("ALLOW_MEM_BACKEND_FOR_TESTS", "false") == "true"
	switch backend {
	case "pg":
		dsn := getenv("DB_DSN", "")
		if dsn == "" {
			return fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		repository = NewPGRepository(db)
	case "mem":
		if !allowMem {
			return fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND_FOR_TESTS=true only in tests")
		}
		repository = NewRepository()
	default:
		return fmt.Errorf("unsupported REPO_BACKEND=%s", backend)
	}
	a.Repository = repository

	signer, err := a.newSigner()
	if err != nil {
		return err
	}

	registry := methods.NewRegistry()

	keyRing := credentials.NewDecryptionKeyRing()
	encryptionPub, err := keyRing.Add()
	if err != nil {
		return fmt.Errorf("generating decryption key: %w", err)
	}
	encodedEncryptionKey, err := envelope.EncodeEncryptionKey(encryptionPub)
	if err != nil {
		return fmt.Errorf("encoding decryption key: %w", err)
	}

	a.manager = authority.NewManager(a.logger, signer,
		func() string { return encodedEncryptionKey },
		authority.ManagerConfig{
			AuthorityURL:   a.config.AuthorityURL(),
			BaseURL:        a.config.BaseURL,
			ServiceURL:     a.config.ServiceURL(),
			CommonName:     a.config.CommonName,
			PaymentMethods: registry.URLs(),
			Expiration:     a.config.ProviderExpiration,
		}, a.config.Payees)
	if err := a.manager.Start(); err != nil {
		return err
	}

	directory := authority.NewDirectory(a.logger, nil)

	paymentRoot, err := trustRoot(a.config.TrustedPaymentKeys, signer)
	if err != nil {
		return fmt.Errorf("payment trust root: %w", err)
	}
	acquirerRoot, err := trustRoot(a.config.TrustedAcquirerKeys, nil)
	if err != nil {
		return fmt.Errorf("acquirer trust root: %w", err)
	}

	service := NewService(ServiceParams{
		Logger:    a.logger,
		Config:    a.config,
		Repo:      repository,
		Methods:   registry,
		Directory: directory,
		Manager:   a.manager,
		Signer:    signer,
		KeyRing:   keyRing,
		Interbank: interbanking.NewClient(a.logger, signer, nil),
	})
	a.Service = service

	interbankServer := interbanking.NewServer(a.logger, signer, paymentRoot, acquirerRoot)
	service.RegisterInterbankHandlers(interbankServer)

	api := NewAPI(service, a.manager, interbankServer)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if a.config.RestoreInterval > 0 {
		a.restorer = NewRestorer(a.logger, repository, a.config.RestoreInterval)
		a.restorer.Start()
	}

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func (a *App) newSigner() (envelope.Signer, error) {
	if a.config.HSMLibPath == "" {
		signer, err := credentials.GenerateSigner()
		if err != nil {
			return nil, err
		}
		return signer, nil
	}

	pubEncoded := getenv("HSM_PUBLIC_KEY", "")
	if pubEncoded == "" {
		return nil, fmt.Errorf("HSM_PUBLIC_KEY is required with an HSM signer")
	}
	pub, err := envelope.DecodePublicKey(pubEncoded)
	if err != nil {
		return nil, fmt.Errorf("decoding HSM_PUBLIC_KEY: %w", err)
	}
	hsm := credentials.NewHSMSigner(a.config.HSMLibPath, a.config.HSMSlot, a.config.HSMPIN, a.config.HSMKeyLabel, pub)
	if err := hsm.Open(); err != nil {
		return nil, fmt.Errorf("opening hsm session: %w", err)
	}
	a.hsm = hsm
	return hsm, nil
}

func trustRoot(encoded []string, self envelope.Signer) (*envelope.TrustRoot, error) {
	root := envelope.NewTrustRoot()
	if self != nil {
		root.Add(self.Public())
	}
	for _, e := range encoded {
		key, err := envelope.DecodePublicKey(e)
		if err != nil {
			return nil, err
		}
		root.Add(key)
	}
	return root, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	if a.restorer != nil {
		a.restorer.Stop()
	}
	a.manager.Stop()
	if a.hsm != nil {
		a.hsm.Close()
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}
