package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"safety-guardian/internal/client"
	"safety-guardian/internal/config"
)

// Version is set during the build process
var version string

func main() {
	if version != "" {
		log.Printf("Starting safety-guardian version %s", version)
	} else {
		log.Print("Starting safety-guardian development version")
	}

	flags := config.ParseFlags()

	cfg, _, err := config.LoadConfig(flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	guardian, err := client.NewGuardianClient(cfg)
	if err != nil {
		log.Fatalf("Failed to create guardian client: %v", err)
	}

	if err := guardian.Start(); err != nil {
		log.Fatalf("Failed to start guardian: %v", err)
	}

	// Handle interrupts for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	guardian.Stop()
}
