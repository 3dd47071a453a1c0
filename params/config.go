package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Domain struct {
	Name    string
	Version string
	ChainID int64
}

type Market struct {
	// OrderBookAddress is both the vault's authorized caller and the
	// EIP-712 verifying contract of signed requests.
	OrderBookAddress common.Address
	VaultAddress     common.Address
	VaultAdmin       common.Address
	FeeRecipient     common.Address
	ProtocolShareBps uint64
	MaxBatch         int
	MaxPageSize      int
}

type Node struct {
	DBPath         string
	APIAddr        string
	AllowedOrigins []string
	// Devnet enables the deposit/mint faucet endpoints.
	Devnet   bool
	LogFile  string
	LogLevel string
}

type Relay struct {
	Interval     time.Duration
	BatchSize    int
	KafkaBrokers []string
	KafkaTopic   string
	P2PListen    string
	P2PBootstrap []string
	P2PTopic     string
}

type Config struct {
	Domain Domain
	Market Market
	Node   Node
	Relay  Relay
}

func Default() Config {
	return Config{
		Domain: Domain{
			Name:    "EasySwapOrderBook",
			Version: "1",
			ChainID: 1337, // local dev chain
		},
		Market: Market{
			OrderBookAddress: common.HexToAddress("0x0000000000000000000000000000000000e05b00"),
			VaultAddress:     common.HexToAddress("0x0000000000000000000000000000000000e05a01"),
			VaultAdmin:       common.HexToAddress("0x0000000000000000000000000000000000ad0001"),
			FeeRecipient:     common.HexToAddress("0x0000000000000000000000000000000000fee001"),
			ProtocolShareBps: 200,
			MaxBatch:         100,
			MaxPageSize:      100,
		},
		Node: Node{
			DBPath:         "data/nftswap",
			APIAddr:        ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			Devnet:         true,
			LogFile:        "data/node.log",
			LogLevel:       "info",
		},
		Relay: Relay{
			Interval:   250 * time.Millisecond,
			BatchSize:  256,
			KafkaTopic: "nftswap.events",
			P2PTopic:   "nftswap-events/1",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	cfg.Domain.Name = getEnv("DOMAIN_NAME", cfg.Domain.Name)
	cfg.Domain.Version = getEnv("DOMAIN_VERSION", cfg.Domain.Version)
	set(envInt64("CHAIN_ID", &cfg.Domain.ChainID))

	set(envAddress("ORDERBOOK_ADDRESS", &cfg.Market.OrderBookAddress))
	set(envAddress("VAULT_ADDRESS", &cfg.Market.VaultAddress))
	set(envAddress("VAULT_ADMIN", &cfg.Market.VaultAdmin))
	set(envAddress("FEE_RECIPIENT", &cfg.Market.FeeRecipient))
	if v := os.Getenv("PROTOCOL_SHARE_BPS"); v != "" {
		bps, e := strconv.ParseUint(v, 10, 64)
		if e != nil || bps > 10_000 {
			set(fmt.Errorf("PROTOCOL_SHARE_BPS: %q is not in [0, 10000]", v))
		} else {
			cfg.Market.ProtocolShareBps = bps
		}
	}
	set(envInt("MAX_BATCH", &cfg.Market.MaxBatch))
	set(envInt("MAX_PAGE_SIZE", &cfg.Market.MaxPageSize))

	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DEVNET"); v != "" {
		cfg.Node.Devnet = v == "true"
	}
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)

	if v := os.Getenv("RELAY_INTERVAL_MS"); v != "" {
		ms, e := strconv.Atoi(v)
		if e != nil || ms <= 0 {
			set(fmt.Errorf("RELAY_INTERVAL_MS: invalid value %q", v))
		} else {
			cfg.Relay.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	set(envInt("RELAY_BATCH", &cfg.Relay.BatchSize))
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Relay.KafkaBrokers = splitList(v)
	}
	cfg.Relay.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Relay.KafkaTopic)
	cfg.Relay.P2PListen = getEnv("LISTEN", cfg.Relay.P2PListen)
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Relay.P2PBootstrap = splitList(v)
	}
	cfg.Relay.P2PTopic = getEnv("P2P_TOPIC", cfg.Relay.P2PTopic)

	return cfg, err
}

// ChainIDBig returns the domain chain id as a big.Int.
func (d Domain) ChainIDBig() *big.Int {
	return big.NewInt(d.ChainID)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: invalid value %q", key, v)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: invalid value %q", key, v)
	}
	*dst = n
	return nil
}

func envAddress(key string, dst *common.Address) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if !common.IsHexAddress(v) {
		return fmt.Errorf("%s: invalid address %q", key, v)
	}
	*dst = common.HexToAddress(v)
	return nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
