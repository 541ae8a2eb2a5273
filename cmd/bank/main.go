package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/bank"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	config := bank.DefaultConfig()
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		config.HTTPAddr = addr
	}
	if base := os.Getenv("BASE_URL"); base != "" {
		config.BaseURL = base
	}
	if name := os.Getenv("COMMON_NAME"); name != "" {
		config.CommonName = name
	}
	if url := os.Getenv("ACQUIRER_AUTHORITY_URL"); url != "" {
		config.AcquirerAuthorityURL = url
	}
	if lib := os.Getenv("HSM_LIB_PATH"); lib != "" {
		config.HSMLibPath = lib
		config.HSMPIN = os.Getenv("HSM_PIN")
		config.HSMKeyLabel = os.Getenv("HSM_KEY_LABEL")
		if slot, err := strconv.ParseUint(os.Getenv("HSM_SLOT"), 10, 32); err == nil {
			config.HSMSlot = uint(slot)
		}
	}

	app := bank.NewApp(logger, config)
	if err := app.Start(); err != nil {
		logger.Error("starting app", "err", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	app.Shutdown()
}
