// Package config loads the driver's environment-supplied defaults: the
// serial-port path to dial and the firmware version the driver was
// validated against.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	envSerialPort      = "BPOD_SERIAL_PORT"
	envTargetFirmware  = "BPOD_TARGET_FIRMWARE"
	defaultFirmware    = 23
	defaultSerialPortL = "/dev/ttyACM0"
	defaultSerialPortW = "COM3"
)

// Config holds the process-level defaults read once at startup.
type Config struct {
	SerialPort            string
	TargetFirmwareVersion int
}

// LoadConfig reads BPOD_SERIAL_PORT and BPOD_TARGET_FIRMWARE from the
// process environment, falling back to a .env file found by walking up
// from the working directory, then to built-in defaults. Every call
// re-reads from scratch; callers that want a stable value should load
// once at startup and pass the result down explicitly.
func LoadConfig() (Config, error) {
	cfg := Config{
		SerialPort:            defaultSerialPort(),
		TargetFirmwareVersion: defaultFirmware,
	}

	if data, err := os.ReadFile(envFilePath()); err == nil {
		applyEnvFile(string(data), &cfg)
	}

	if v := os.Getenv(envSerialPort); v != "" {
		cfg.SerialPort = v
	}
	if v := os.Getenv(envTargetFirmware); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TargetFirmwareVersion = n
		}
	}

	return cfg, nil
}

func applyEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case envSerialPort:
			cfg.SerialPort = value
		case envTargetFirmware:
			if n, err := strconv.Atoi(value); err == nil {
				cfg.TargetFirmwareVersion = n
			}
		}
	}
}

// envFilePath mirrors the teacher's project-root search: prefer a .env
// in the current directory, else walk up looking for a go.mod.
func envFilePath() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return filepath.Join(cwd, ".env")
	}
	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, ".env")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Join(cwd, ".env")
		}
		dir = parent
	}
}

func defaultSerialPort() string {
	if strings.HasPrefix(strings.ToLower(os.Getenv("OS")), "windows") {
		return defaultSerialPortW
	}
	return defaultSerialPortL
}
