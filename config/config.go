package config

import (
	"flag"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultServerAddr        = ":8080"
	defaultDatabaseDSN       = ""
	defaultOrderServiceAddr  = "http://localhost:8080"
	defaultLogLevel          = "debug"
	defaultAgentAddr         = "127.0.0.1:8090"
	defaultDataDir           = "./data"
	defaultProbeIntervalMs   = 5000
	defaultOnlineDebounceMs  = 2000
	defaultSweepIntervalMs   = 60000
	defaultReconcileInterval = 10 * time.Minute
)

type Config struct {
	// ServerAddr is the listen address of the order service.
	ServerAddr string
	// DatabaseDSN is the postgres DSN of the order service.
	DatabaseDSN string
	// OrderServiceAddr is the base URL the POS agent syncs against.
	OrderServiceAddr string
	// LogLevel is zap log level.
	LogLevel string

	// AgentAddr is the loopback listen address of the POS agent.
	AgentAddr string
	// DataDir holds the terminal-local queue database.
	DataDir string

	// ProbeInterval is how often the connection monitor probes the backend.
	ProbeInterval time.Duration
	// OnlineDebounce is the quiet period before a failed probe flips the
	// monitor offline.
	OnlineDebounce time.Duration
	// SweepInterval is the safety-net sweep period, 0 disables it.
	SweepInterval time.Duration
	// ReconcileInterval is how often the server merges legacy duplicates.
	ReconcileInterval time.Duration
}

var (
	once      sync.Once
	singleton *Config
)

// New returns new Config. It parses command line and environment variables only once.
func New() (*Config, error) {
	once.Do(func() {
		// optional .env next to the binary
		_ = godotenv.Load()

		cfg := Config{
			ProbeInterval:     durationEnvMs("PROBE_INTERVAL_MS", defaultProbeIntervalMs),
			OnlineDebounce:    durationEnvMs("ONLINE_DEBOUNCE_MS", defaultOnlineDebounceMs),
			SweepInterval:     durationEnvMs("SWEEP_INTERVAL_MS", defaultSweepIntervalMs),
			ReconcileInterval: defaultReconcileInterval,
		}

		// initialize flags
		flag.StringVar(&cfg.ServerAddr, "a", defaultServerAddr, "order service listen address")
		flag.StringVar(&cfg.DatabaseDSN, "d", defaultDatabaseDSN, "order service database DSN")
		flag.StringVar(&cfg.OrderServiceAddr, "r", defaultOrderServiceAddr, "order service base URL")
		flag.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")
		flag.StringVar(&cfg.AgentAddr, "b", defaultAgentAddr, "POS agent loopback address")
		flag.StringVar(&cfg.DataDir, "s", defaultDataDir, "terminal-local data directory")

		flag.Parse()

		// if environment variable is set, then using it
		if runAddrEnv := os.Getenv("RUN_ADDRESS"); runAddrEnv != "" {
			cfg.ServerAddr = runAddrEnv
		}
		if dsnEnv := os.Getenv("DATABASE_URI"); dsnEnv != "" {
			cfg.DatabaseDSN = dsnEnv
		}
		if orderSvcEnv := os.Getenv("ORDER_SERVICE_ADDRESS"); orderSvcEnv != "" {
			cfg.OrderServiceAddr = orderSvcEnv
		}
		if logLevelEnv := os.Getenv("LOG_LEVEL"); logLevelEnv != "" {
			cfg.LogLevel = logLevelEnv
		}
		if agentAddrEnv := os.Getenv("AGENT_ADDRESS"); agentAddrEnv != "" {
			cfg.AgentAddr = agentAddrEnv
		}
		if dataDirEnv := os.Getenv("DATA_DIR"); dataDirEnv != "" {
			cfg.DataDir = dataDirEnv
		}

		singleton = &cfg
	})

	return singleton, nil
}

// durationEnvMs reads a millisecond count from the environment
func durationEnvMs(key string, def int) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(def) * time.Millisecond
}
