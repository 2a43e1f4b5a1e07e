// Package config loads the immutable, process-wide configuration shared
// by every client session: the command to run, authentication, the
// reconnect/preferences payload pushed to clients, and admission policy.
package config

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

// Config is immutable after Load returns; every ClientSession reads it
// without locking.
type Config struct {
	Command string   // display name sent in SET_WINDOW_TITLE
	Argv    []string // exec argv

	SigName string
	SigNum  syscall.Signal

	Reconnect int    // seconds advertised to clients
	PrefsJSON string // opaque JSON string forwarded verbatim

	Credential  string // "" disables authentication
	ReadOnly    bool
	CheckOrigin bool
	Once        bool
	MaxClients  int // 0 = unlimited
	WSPath      string

	WorkingDir     string
	ServerHostname string // used in the SET_WINDOW_TITLE payload

	// (added) domain-stack wiring, all optional.
	RedisURL  string // distributed client counter when set
	RedisKey  string
	AuditDSN  string // postgres DSN; audit log disabled when empty
	PrefsPath string // file fsnotify watches to hot-reload PrefsJSON

	Port string
}

// Load reads configuration from the environment (and a .env file, if
// present), the same getEnv/.env idiom the teacher's config package uses.
func Load() *Config {
	godotenv.Load()
	godotenv.Load("../.env")

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	argv := parseArgv(getEnv("TTYBRIDGE_ARGV", "/bin/sh"))
	sigName := getEnv("TTYBRIDGE_SIGNAL", "SIGHUP")

	return &Config{
		Command: argv[0],
		Argv:    argv,

		SigName: sigName,
		SigNum:  signalFor(sigName),

		Reconnect: parseInt(getEnv("TTYBRIDGE_RECONNECT", "10"), 10),
		PrefsJSON: getEnv("TTYBRIDGE_PREFS_JSON", "{}"),

		Credential:  os.Getenv("TTYBRIDGE_CREDENTIAL"),
		ReadOnly:    parseBool(getEnv("TTYBRIDGE_READONLY", "false")),
		CheckOrigin: parseBool(getEnv("TTYBRIDGE_CHECK_ORIGIN", "false")),
		Once:        parseBool(getEnv("TTYBRIDGE_ONCE", "false")),
		MaxClients:  parseInt(getEnv("TTYBRIDGE_MAX_CLIENTS", "0"), 0),
		WSPath:      getEnv("TTYBRIDGE_WS_PATH", "/ws"),

		WorkingDir:     getEnv("TTYBRIDGE_WORKDIR", os.TempDir()),
		ServerHostname: hostname,

		RedisURL:  os.Getenv("TTYBRIDGE_REDIS_URL"),
		RedisKey:  getEnv("TTYBRIDGE_REDIS_KEY", "ttybridge:clients"),
		AuditDSN:  os.Getenv("TTYBRIDGE_AUDIT_DSN"),
		PrefsPath: os.Getenv("TTYBRIDGE_PREFS_PATH"),

		Port: getEnv("PORT", "8080"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseArgv(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return []string{"/bin/sh"}
	}
	return fields
}

// signalFor maps a human signal name (the config surface's sig_name
// field) to its numeric value; unknown names fall back to SIGHUP, ttyd's
// own default termination signal.
func signalFor(name string) syscall.Signal {
	switch strings.ToUpper(strings.TrimPrefix(name, "SIG")) {
	case "HUP":
		return syscall.SIGHUP
	case "TERM":
		return syscall.SIGTERM
	case "KILL":
		return syscall.SIGKILL
	case "INT":
		return syscall.SIGINT
	case "QUIT":
		return syscall.SIGQUIT
	default:
		return syscall.SIGHUP
	}
}

// ReconnectDuration converts the wire reconnect-seconds value into a
// time.Duration; the value pushed to clients over the wire stays a plain
// int.
func ReconnectDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
