package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	UITray = "tray"
	UITUI  = "tui"

	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"

	TransportGenAI     = "genai"
	TransportWebSocket = "websocket"
)

// DefaultSystemInstruction describes the agent persona sent at setup.
const DefaultSystemInstruction = `Role: You are a friendly physics tutor and voice assistant. Make physics engaging, intuitive and easy to understand.
Tone: Professional yet warm, patient and encouraging. Use real-world analogies.
Language: Reply in the language the user speaks.
Style: Explain step by step and keep answers concise for voice.
Constraints: Stay on physics and science. Admit when you do not know something.`

type Config struct {
	LogLevel string        `yaml:"log_level"`
	UI       string        `yaml:"ui"` // "tray" or "tui"
	Audio    AudioConfig   `yaml:"audio"`
	Live     LiveConfig    `yaml:"live"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

type AudioConfig struct {
	CaptureBackend   string `yaml:"capture_backend"` // "portaudio" or "malgo"
	DeviceID         string `yaml:"device_id"`
	InputSampleRate  int    `yaml:"input_sample_rate"`
	OutputSampleRate int    `yaml:"output_sample_rate"`
	FrameSize        int    `yaml:"frame_size"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
	AutoGainControl  bool   `yaml:"auto_gain_control"`
}

type LiveConfig struct {
	Transport         string        `yaml:"transport"` // "genai" or "websocket"
	Endpoint          string        `yaml:"endpoint"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Voice             string        `yaml:"voice"`
	SystemInstruction string        `yaml:"system_instruction"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		UI:       UITray,
		Audio: AudioConfig{
			CaptureBackend:   BackendPortAudio,
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			FrameSize:        4096,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Live: LiveConfig{
			Transport:         TransportGenAI,
			Endpoint:          "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			Model:             "gemini-2.5-flash-native-audio-preview-12-2025",
			Voice:             "Zephyr",
			SystemInstruction: DefaultSystemInstruction,
			ConnectTimeout:    15 * time.Second,
		},
	}
}

// Load reads the config from disk or returns defaults, then applies the
// API key from the environment (or a .env file in the working directory).
func Load() (*Config, error) {
	return LoadFile(configPath())
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	for _, name := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			c.Live.APIKey = v
			return
		}
	}
}

// Validate checks enum values and numeric ranges.
func (c *Config) Validate() error {
	switch c.UI {
	case UITray, UITUI:
	default:
		return fmt.Errorf("ui must be %q or %q, got %q", UITray, UITUI, c.UI)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Live.Validate(); err != nil {
		return fmt.Errorf("live config: %w", err)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	switch a.CaptureBackend {
	case BackendPortAudio, BackendMalgo:
	default:
		return fmt.Errorf("capture_backend must be %q or %q, got %q", BackendPortAudio, BackendMalgo, a.CaptureBackend)
	}
	if a.InputSampleRate <= 0 || a.OutputSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive (input %d, output %d)", a.InputSampleRate, a.OutputSampleRate)
	}
	if a.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be positive, got %d", a.FrameSize)
	}
	return nil
}

func (l *LiveConfig) Validate() error {
	switch l.Transport {
	case TransportGenAI:
	case TransportWebSocket:
		if l.Endpoint == "" {
			return errors.New("endpoint is required for the websocket transport")
		}
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportGenAI, TransportWebSocket, l.Transport)
	}
	if l.Model == "" {
		return errors.New("model must not be empty")
	}
	if l.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative, got %s", l.ConnectTimeout)
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	return c.SaveFile(configPath())
}

// SaveFile is Save for an explicit path.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Keep the key out of the file; it comes from the environment.
	out := *c
	out.Live.APIKey = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "voicelink", "config.yaml")
}
