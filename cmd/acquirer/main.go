package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/acquirer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	config := acquirer.DefaultConfig()
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		config.HTTPAddr = addr
	}
	if base := os.Getenv("BASE_URL"); base != "" {
		config.BaseURL = base
	}
	if name := os.Getenv("COMMON_NAME"); name != "" {
		config.CommonName = name
	}
	config.CardNetworkAddr = os.Getenv("CARD_NETWORK_ADDR")

	app := acquirer.NewApp(logger, config)
	if err := app.Start(); err != nil {
		logger.Error("starting app", "err", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	app.Shutdown()
}
