// Package config loads the daemon's configuration surface (spec §6) from
// environment variables (optionally via a .env file), following the same
// getEnv-with-default idiom the teacher app used for its own settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full configuration surface spec §6 names: window/packet
// sizing, rekey thresholds, the auth/idle/nio2 timeout family, socket
// options, and the sftp-* subsystem knobs.
type Config struct {
	Port       int
	HostKeyDir string // data directory for host key material
	LogLevel   string

	WindowSize uint32
	PacketSize uint32

	RekeyBytesLimit uint64
	RekeyTimeLimit  time.Duration

	AuthTimeout         time.Duration
	IdleTimeout         time.Duration
	NIO2ReadTimeout     time.Duration
	NIO2MinWriteTimeout time.Duration

	SocketKeepAlive bool
	SocketReuseAddr bool
	SocketBacklog   int
	SocketSoLinger  int
	SocketRcvBuf    int
	SocketSndBuf    int
	TCPNoDelay      bool

	// MaxPendingHandshakes bounds how many accepted connections may be
	// served at once (a slot is held for the connection's whole life, not
	// only its handshake); once this many are outstanding, the accept loop
	// closes further accepted connections immediately.
	MaxPendingHandshakes int

	SFTPHandleSize           int
	SFTPHandleRandMaxRounds  int
	MaxOpenHandlesPerSession int
	SFTPVersion              int
	SFTPMaxPacketLength      int
	SFTPClientExtensions     []string
	SFTPOpenSSHExtensions    []string
}

// Load reads Config from the environment, applying spec-default values for
// anything unset. ".env" is loaded first (if present) the same way the
// original app bootstrapped its settings.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:       getEnvAsInt("SSHD_PORT", 2222),
		HostKeyDir: getEnv("SSHD_HOST_KEY_DIR", "./data/host_keys"),
		LogLevel:   getEnv("SSHD_LOG_LEVEL", "info"),

		WindowSize: uint32(getEnvAsInt("SSHD_WINDOW_SIZE", 2*1024*1024)),
		PacketSize: uint32(getEnvAsInt("SSHD_PACKET_SIZE", 32*1024)),

		RekeyBytesLimit: uint64(getEnvAsInt("SSHD_REKEY_BYTES_LIMIT", 1<<30)),
		RekeyTimeLimit:  getEnvAsDuration("SSHD_REKEY_TIME_LIMIT", time.Hour),

		AuthTimeout:         getEnvAsDuration("SSHD_AUTH_TIMEOUT", 2*time.Minute),
		IdleTimeout:         getEnvAsDuration("SSHD_IDLE_TIMEOUT", 10*time.Minute),
		NIO2ReadTimeout:     getEnvAsDuration("SSHD_NIO2_READ_TIMEOUT", 30*time.Second),
		NIO2MinWriteTimeout: getEnvAsDuration("SSHD_NIO2_MIN_WRITE_TIMEOUT", 5*time.Second),

		SocketKeepAlive: getEnvAsBool("SSHD_SOCKET_KEEPALIVE", true),
		SocketReuseAddr: getEnvAsBool("SSHD_SOCKET_REUSEADDR", true),
		SocketBacklog:   getEnvAsInt("SSHD_SOCKET_BACKLOG", 128),
		SocketSoLinger:  getEnvAsInt("SSHD_SOCKET_SO_LINGER", -1),
		SocketRcvBuf:    getEnvAsInt("SSHD_SOCKET_RCVBUF", 0),
		SocketSndBuf:    getEnvAsInt("SSHD_SOCKET_SNDBUF", 0),
		TCPNoDelay:      getEnvAsBool("SSHD_TCP_NODELAY", true),

		MaxPendingHandshakes: getEnvAsInt("SSHD_MAX_PENDING_HANDSHAKES", 64),

		SFTPHandleSize:           getEnvAsInt("SSHD_SFTP_HANDLE_SIZE", 16),
		SFTPHandleRandMaxRounds:  getEnvAsInt("SSHD_SFTP_HANDLE_RAND_MAX_ROUNDS", 16),
		MaxOpenHandlesPerSession: getEnvAsInt("SSHD_SFTP_MAX_OPEN_HANDLES", 1024),
		SFTPVersion:              getEnvAsInt("SSHD_SFTP_VERSION", 6),
		SFTPMaxPacketLength:      getEnvAsInt("SSHD_SFTP_MAX_PACKET_LENGTH", 256*1024),
		SFTPClientExtensions:     getEnvAsSlice("SSHD_SFTP_CLIENT_EXTENSIONS", nil),
		SFTPOpenSSHExtensions:    getEnvAsSlice("SSHD_SFTP_OPENSSH_EXTENSIONS", []string{"fsync@openssh.com", "posix-rename@openssh.com"}),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config: invalid SSHD_PORT %d", cfg.Port)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
