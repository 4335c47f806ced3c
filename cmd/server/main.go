package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/chatrelay/pkg/config"
	"github.com/aeolun/chatrelay/pkg/server"
	"github.com/joho/godotenv"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to TOML config file (missing file means defaults)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	initConfig := flag.Bool("init-config", false, "Write a commented default config to --config and exit")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	if *initConfig {
		if err := config.WriteDefault(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		log.Printf("Wrote default config to %s", *configPath)
		return
	}

	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	// Environment overrides may come from a .env file
	_ = godotenv.Load()

	file, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	srv := server.NewServer(server.ConfigFromFile(file))
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("ChatRelay %s listening on %s", Version, srv.Addr())

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Printf("Received %s, shutting down...", sig)
	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Printf("Server stopped")
}
