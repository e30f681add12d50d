package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// StateMachine tunes both entity processors.
type StateMachine struct {
	BatchSize     int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Workers       int
}

// S3 locates the object store used by the AmazonS3 source and sink. An empty endpoint disables them.
type S3 struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

// Config holds service configuration.
type Config struct {
	DatabaseURL     string
	DatabaseMaxConn int32
	ServerAddr      string
	StoreBackend    string
	ParticipantID   string
	ProtocolAddress string
	PublicAddress   string
	ManagementKey   string
	LogLevel        string
	LogFormat       string

	StateMachine StateMachine

	DataPlaneQueueCapacity int
	DataPlaneWorkers       int
	DataPlaneHTTPTimeout   time.Duration
	TokenTTL               time.Duration

	DispatchTimeout   time.Duration
	DispatchRateLimit float64
	DispatchBurst     int

	S3 S3
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "connector")
		pass := getenv("POSTGRES_PASSWORD", "connector_pass")
		db := getenv("POSTGRES_DB", "connector")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	addr := getenv("SERVER_ADDR", "0.0.0.0:8080")
	backend := getenv("STORE_BACKEND", StorePostgres)
	if backend != StorePostgres && backend != StoreMemory {
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: want %s or %s", backend, StorePostgres, StoreMemory)
	}
	protocolAddr := getenv("PROTOCOL_ADDRESS", "http://localhost:8080/protocol")

	return &Config{
		DatabaseURL:     dsn,
		DatabaseMaxConn: int32(parseInt(getenv("DATABASE_MAX_CONNS", "10"), 10)),
		ServerAddr:      addr,
		StoreBackend:    backend,
		ParticipantID:   os.Getenv("PARTICIPANT_ID"),
		ProtocolAddress: protocolAddr,
		PublicAddress:   getenv("PUBLIC_ADDRESS", "http://localhost:8080"),
		ManagementKey:   os.Getenv("MANAGEMENT_API_KEY"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "json"),
		StateMachine: StateMachine{
			BatchSize:     parseInt(getenv("STATE_MACHINE_BATCH_SIZE", "20"), 20),
			LeaseDuration: parseDuration(getenv("STATE_MACHINE_LEASE_DURATION", "60s"), 60*time.Second),
			PollInterval:  parseDuration(getenv("STATE_MACHINE_POLL_INTERVAL", "1s"), time.Second),
			MaxRetries:    parseInt(getenv("STATE_MACHINE_MAX_RETRIES", "7"), 7),
			BackoffBase:   parseDuration(getenv("STATE_MACHINE_BACKOFF_BASE", "1s"), time.Second),
			BackoffMax:    parseDuration(getenv("STATE_MACHINE_BACKOFF_MAX", "1m"), time.Minute),
			Workers:       parseInt(getenv("STATE_MACHINE_WORKERS", "8"), 8),
		},
		DataPlaneQueueCapacity: parseInt(getenv("DATAPLANE_QUEUE_CAPACITY", "10000"), 10000),
		DataPlaneWorkers:       parseInt(getenv("DATAPLANE_WORKERS", "2"), 2),
		DataPlaneHTTPTimeout:   parseDuration(getenv("DATAPLANE_HTTP_TIMEOUT", "5m"), 5*time.Minute),
		TokenTTL:               parseDuration(getenv("DATAPLANE_TOKEN_TTL", "1h"), time.Hour),
		DispatchTimeout:        parseDuration(getenv("DISPATCH_TIMEOUT", "30s"), 30*time.Second),
		DispatchRateLimit:      parseFloat(getenv("DISPATCH_RATE_LIMIT", "0"), 0),
		DispatchBurst:          parseInt(getenv("DISPATCH_BURST", "10"), 10),
		S3: S3{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getenv("S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Insecure:  parseBool(getenv("S3_INSECURE", "false"), false),
		},
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
