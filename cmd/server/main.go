package main

import (
	"flag"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"portalgate/internal/app"
	"portalgate/internal/config"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: search $"+config.EnvConfigPath+" and standard locations)")
	addr := flag.String("addr", "", "HTTP listen address, overrides server.addr")
	retention := flag.Duration("ledger-retention", 30*24*time.Hour, "how long ended sessions stay in the ledger, 0 keeps them forever")
	flag.Parse()

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.New(app.Params{
		ConfigPath:      *configPath,
		Addr:            *addr,
		LedgerRetention: *retention,
	}).Run()
}
