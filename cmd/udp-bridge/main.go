// Semtech UDP bridge
// Forwards Concentratord uplinks to LoRa network servers over the Semtech
// UDP protocol and routes server downlinks back through Concentratord.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldnet/udp-bridge/internal/bridge"
	"github.com/fieldnet/udp-bridge/internal/concentratord"
	"github.com/fieldnet/udp-bridge/internal/metrics"
)

const version = "0.1.0"

// Config represents the configuration file structure
type Config struct {
	UDPForwarder struct {
		LogLevel    string         `yaml:"log_level"`
		LogToSyslog bool           `yaml:"log_to_syslog"`
		MetricsBind string         `yaml:"metrics_bind"`
		Servers     []ServerConfig `yaml:"servers"`
	} `yaml:"udp_forwarder"`

	Concentratord struct {
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
	} `yaml:"concentratord"`
}

// ServerConfig is the per-server section of the configuration file.
type ServerConfig struct {
	Server               string `yaml:"server"`
	KeepaliveIntervalSec int    `yaml:"keepalive_interval_secs"`
	// Omitted defaults to 12; an explicit 0 disables reconnects.
	KeepaliveMaxFailures *int `yaml:"keepalive_max_failures"`
	// Omitted forwarding flags default to forwarding CRC-ok frames only.
	ForwardCRCOK      *bool `yaml:"forward_crc_ok"`
	ForwardCRCInvalid bool  `yaml:"forward_crc_invalid"`
	ForwardCRCMissing bool  `yaml:"forward_crc_missing"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "udp-bridge",
		Short: "Semtech UDP bridge for ChirpStack Concentratord",
		Long:  "Bridges a local Concentratord to LoRa network servers speaking the Semtech UDP protocol.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the bridge service",
		RunE:  runBridge,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("udp-bridge v" + version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/udp-bridge/udp-bridge.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Concentratord.EventURL == "" {
		cfg.Concentratord.EventURL = concentratord.DefaultConfig().EventURL
	}
	if cfg.Concentratord.CommandURL == "" {
		cfg.Concentratord.CommandURL = concentratord.DefaultConfig().CommandURL
	}
	if len(cfg.UDPForwarder.Servers) == 0 {
		cfg.UDPForwarder.Servers = []ServerConfig{{Server: "127.0.0.1:1700"}}
	}

	return &cfg, nil
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch cfg.UDPForwarder.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level: %s", cfg.UDPForwarder.LogLevel)
	}

	if cfg.UDPForwarder.LogToSyslog {
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_USER, "udp-bridge")
		if err != nil {
			return fmt.Errorf("failed to open syslog: %w", err)
		}
		log.SetOutput(w)
		log.SetFlags(0)
	}

	log.Printf("Starting Semtech UDP bridge, version: %s", version)

	// Concentratord connection
	concCfg := concentratord.Config{
		EventURL:   cfg.Concentratord.EventURL,
		CommandURL: cfg.Concentratord.CommandURL,
	}
	client := concentratord.NewClient(concCfg)
	if err := client.Start(); err != nil {
		return fmt.Errorf("failed to start concentratord client: %w", err)
	}
	defer client.Stop()

	gatewayID, err := client.GatewayID()
	if err != nil {
		return fmt.Errorf("failed to read gateway id, is concentratord running? %w", err)
	}
	log.Printf("Received gateway ID from Concentratord, gateway_id: %s", hex.EncodeToString(gatewayID[:]))

	// Metrics endpoint
	if cfg.UDPForwarder.MetricsBind != "" {
		go func() {
			if err := metrics.Serve(cfg.UDPForwarder.MetricsBind); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Server connections
	var servers []bridge.ServerConfig
	for _, s := range cfg.UDPForwarder.Servers {
		if s.Server == "" {
			return fmt.Errorf("server address is required for every configured server")
		}
		forwardOK := true
		if s.ForwardCRCOK != nil {
			forwardOK = *s.ForwardCRCOK
		}
		intervalSec := s.KeepaliveIntervalSec
		if intervalSec == 0 {
			intervalSec = 10
		}
		maxFailures := 12
		if s.KeepaliveMaxFailures != nil {
			maxFailures = *s.KeepaliveMaxFailures
		}
		servers = append(servers, bridge.ServerConfig{
			Server:               s.Server,
			KeepaliveInterval:    time.Duration(intervalSec) * time.Second,
			KeepaliveMaxFailures: maxFailures,
			ForwardCRCOK:         forwardOK,
			ForwardCRCInvalid:    s.ForwardCRCInvalid,
			ForwardCRCMissing:    s.ForwardCRCMissing,
		})
	}
	pool := bridge.NewPool(servers, gatewayID)
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start connection pool: %w", err)
	}
	defer pool.Stop()

	// Signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	b := bridge.New(pool, client, gatewayID)
	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("bridge loop error: %w", err)
	}

	log.Println("Shutdown complete")
	return nil
}
