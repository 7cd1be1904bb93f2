package conf

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

var config *MarketConfig

// MarketConfig is the compute market node config
type MarketConfig struct {
	API        API
	Ledger     Ledger
	Redis      Redis
	Scheduler  Scheduler
	Settlement Settlement
	Chain      Chain
	NATS       NATS
	Trace      Trace
}

type API struct {
	Port     int
	NodeName string
	CrtFile  string
	KeyFile  string
}

type Ledger struct {
	Backend     string
	Path        string
	RedisPrefix string
}

type Redis struct {
	Url      string
	Password string
}

type Scheduler struct {
	Comparator      string
	ReservationTTL  Duration
	SweepInterval   Duration
	MaxRequeues     int
	ConflictRetries int
	ResumeAfter     Duration
	Dispatcher      string
	CeleryWorkers   int
	InventoryFile   string
}

type Settlement struct {
	MaxAttempts   int
	MaxPolls      int
	BackoffBase   Duration
	BackoffFactor float64
	BackoffCap    Duration
	MinPayment    int64
	SendTimeout   Duration
}

type Chain struct {
	Backend      string
	RpcUrl       string
	PrivateKeys  []string
	ConfirmAfter int
	Faucet       int64
}

type NATS struct {
	Url     string
	Subject string
}

type Trace struct {
	Enabled     bool
	ServiceName string
}

// Duration decodes TOML strings such as "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func InitConfig(repoPath string) error {
	configFile := filepath.Join(repoPath, "config.toml")

	var c MarketConfig
	metaData, err := toml.DecodeFile(configFile, &c)
	if err != nil {
		return fmt.Errorf("failed load config file, path: %s, error: %w", configFile, err)
	}
	if err := requiredFieldsAreGiven(metaData); err != nil {
		return err
	}
	c.applyDefaults(repoPath)
	config = &c
	return nil
}

func GetConfig() *MarketConfig {
	return config
}

// Default returns a config for a single node with in-memory storage and a simulated chain.
func Default(repoPath string) *MarketConfig {
	c := &MarketConfig{
		API:    API{Port: 8085},
		Ledger: Ledger{Backend: "memory"},
		Chain:  Chain{Backend: "simulated"},
	}
	c.applyDefaults(repoPath)
	return c
}

func (c *MarketConfig) applyDefaults(repoPath string) {
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(repoPath, "ledger")
	}
	if c.Ledger.RedisPrefix == "" {
		c.Ledger.RedisPrefix = "market:"
	}
	if c.Scheduler.Comparator == "" {
		c.Scheduler.Comparator = "most-available"
	}
	if c.Scheduler.ReservationTTL.Duration <= 0 {
		c.Scheduler.ReservationTTL.Duration = 10 * time.Minute
	}
	if c.Scheduler.SweepInterval.Duration <= 0 {
		c.Scheduler.SweepInterval.Duration = 15 * time.Second
	}
	if c.Scheduler.MaxRequeues <= 0 {
		c.Scheduler.MaxRequeues = 3
	}
	if c.Scheduler.ConflictRetries <= 0 {
		c.Scheduler.ConflictRetries = 8
	}
	if c.Scheduler.ResumeAfter.Duration <= 0 {
		c.Scheduler.ResumeAfter.Duration = 2 * time.Minute
	}
	if c.Scheduler.Dispatcher == "" {
		c.Scheduler.Dispatcher = "local"
	}
	if c.Scheduler.CeleryWorkers <= 0 {
		c.Scheduler.CeleryWorkers = 10
	}
	if c.Settlement.MaxAttempts <= 0 {
		c.Settlement.MaxAttempts = 5
	}
	if c.Settlement.MaxPolls <= 0 {
		c.Settlement.MaxPolls = 20
	}
	if c.Settlement.BackoffBase.Duration <= 0 {
		c.Settlement.BackoffBase.Duration = time.Second
	}
	if c.Settlement.BackoffFactor <= 0 {
		c.Settlement.BackoffFactor = 2
	}
	if c.Settlement.BackoffCap.Duration <= 0 {
		c.Settlement.BackoffCap.Duration = 30 * time.Second
	}
	if c.Settlement.SendTimeout.Duration <= 0 {
		c.Settlement.SendTimeout.Duration = 2 * time.Minute
	}
	if c.Chain.ConfirmAfter <= 0 {
		c.Chain.ConfirmAfter = 2
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "market.events"
	}
	if c.Trace.ServiceName == "" {
		c.Trace.ServiceName = "compute-market"
	}
}

func requiredFieldsAreGiven(metaData toml.MetaData) error {
	requiredFields := [][]string{
		{"API"},
		{"Ledger"},
		{"Chain"},

		{"API", "Port"},
		{"Ledger", "Backend"},
		{"Chain", "Backend"},
	}

	for _, v := range requiredFields {
		if !metaData.IsDefined(v...) {
			return fmt.Errorf("required field %v not given", v)
		}
	}
	return nil
}
