package acquirer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/authority"
	"github.com/saturnpay/saturn/credentials"
	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/interbanking"
	"github.com/saturnpay/saturn/internal/middleware"
	"github.com/saturnpay/saturn/methods"
)

// App is the main application, it contains all the components of the
// acquirer service and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config

	Service *Service

	manager *authority.Manager
	cardnet *CardNetwork
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "acquirer"))

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

	signer, err := credentials.GenerateSigner()
	if err != nil {
		return err
	}

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
			PaymentMethods: []string{methods.SuperCard},
			Expiration:     a.config.ProviderExpiration,
		}, nil)
	if err := a.manager.Start(); err != nil {
		return err
	}

	if a.config.CardNetworkAddr != "" {
		a.cardnet = NewCardNetwork(a.logger, a.config.CardNetworkAddr)
		if err := a.cardnet.Connect(); err != nil {
			return err
		}
	}

	service := NewService(ServiceParams{
		Logger:    a.logger,
		Config:    a.config,
		Methods:   methods.NewRegistry(),
		Directory: authority.NewDirectory(a.logger, nil),
		Signer:    signer,
		KeyRing:   keyRing,
		Interbank: interbanking.NewClient(a.logger, signer, nil),
		CardNet:   a.cardnet,
	})
	a.Service = service

	api := NewAPI(service, a.manager)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

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

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	a.manager.Stop()
	if a.cardnet != nil {
		a.cardnet.Close()
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}
