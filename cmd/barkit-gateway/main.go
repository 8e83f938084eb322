package main

import (
	"log"

	"github.com/cordum/barkit/core/controlplane/gateway"
	"github.com/cordum/barkit/core/infra/buildinfo"
	"github.com/cordum/barkit/core/infra/config"
)

func main() {
	log.Println("barkit gateway starting...")
	buildinfo.Log("barkit-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("barkit gateway error: %v", err)
	}
}
