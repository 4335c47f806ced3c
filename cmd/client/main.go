package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/client/ui"
	"github.com/aeolun/chatrelay/pkg/config"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to TOML config file (missing file means defaults)")
	serverAddr := flag.String("server", "", "Server address: host:port, ws://host:port/ws or ssh://[user@]host:port (default from config)")
	name := flag.String("name", "", "Name to register (prompted when empty)")
	notify := flag.Bool("notify", false, "Desktop notification on private messages")
	logPath := flag.String("log", "", "Write debug log to this file")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	logger := log.New(io.Discard, "", 0)
	if *logPath != "" {
		logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()
		logger = log.New(logFile, "", log.LstdFlags|log.Lmicroseconds)
	}

	// Environment overrides may come from a .env file
	_ = godotenv.Load()

	file, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	addr := *serverAddr
	if addr == "" {
		addr = file.Client.Address()
	}

	conn, err := client.NewConnection(addr)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	conn.SetLogger(logger)

	fmt.Printf("Connecting to server at %s\n", conn.GetAddress())
	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	model := ui.NewModel(conn, ui.Options{
		Name:   *name,
		Notify: *notify,
		Logger: logger,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		log.Fatalf("Error running client: %v", err)
	}

	if m, ok := final.(ui.Model); ok && m.Name() != "" {
		fmt.Printf("%s exit\n", m.Name())
	}
}
