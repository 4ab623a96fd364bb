package terminal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for the terminal application.
type Config struct {
	HTTPAddr   string `yaml:"http_addr"`
	TerminalID string `yaml:"terminal_id"`
	MerchantID string `yaml:"merchant_id"`
	Currency   string `yaml:"currency"`

	// BackendURL selects the HTTP authorization backend. ISO8583Addr selects
	// the socket backend instead. When both are empty the mock simulation
	// engine is used.
	BackendURL  string `yaml:"backend_url"`
	ISO8583Addr string `yaml:"iso8583_addr"`
	// FramedSocket switches the socket backend to dial-per-call TPDU framing
	// instead of a persistent length-prefixed connection.
	FramedSocket bool `yaml:"framed_socket"`
	// TPDUDest and TPDUOrig are the frame addresses for the socket path.
	TPDUDest uint16 `yaml:"tpdu_dest"`
	TPDUOrig uint16 `yaml:"tpdu_orig"`

	// PinKeyMode is "dukpt" (KSN travels with the PIN block) or "session"
	// (backend-assigned PIN key id).
	PinKeyMode string `yaml:"pin_key_mode"`

	MaxPinRetries     int  `yaml:"max_pin_retries"`
	SignatureFallback bool `yaml:"signature_fallback"`

	// HTTPTimeout bounds networked backend calls, SocketTimeout the framed
	// socket round trip, TransactionTimeout the card-detected to
	// kernel-completion watchdog.
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	SocketTimeout      time.Duration `yaml:"socket_timeout"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:           "localhost:9191",
		TerminalID:         "TERM0001",
		MerchantID:         "CARDFLOW0000001",
		Currency:           "840",
		PinKeyMode:         "dukpt",
		MaxPinRetries:      3,
		HTTPTimeout:        30 * time.Second,
		SocketTimeout:      10 * time.Second,
		TransactionTimeout: 10 * time.Second,
	}
}

// LoadConfig reads a YAML config file and fills unset fields with defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PinKeyMode != "dukpt" && c.PinKeyMode != "session" {
		return fmt.Errorf("pin_key_mode must be dukpt or session, got %q", c.PinKeyMode)
	}
	if c.MaxPinRetries < 1 {
		return fmt.Errorf("max_pin_retries must be at least 1")
	}
	if c.BackendURL != "" && c.ISO8583Addr != "" {
		return fmt.Errorf("backend_url and iso8583_addr are mutually exclusive")
	}
	return nil
}
