package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	tmos "github.com/tendermint/tendermint/libs/os"
)

const (
	// DefaultLogLevel used when log_level is not set
	DefaultLogLevel = "info"

	defaultConfigDir      = "config"
	defaultDataDir        = "data"
	defaultConfigFileName = "config.toml"

	// DBBackend values understood by the block store
	DBBackendMemDB   = "memdb"
	DBBackendLevelDB = "goleveldb"
)

var (
	// DefaultVotechainDir 默认的根目录 $HOME/.votechain
	DefaultVotechainDir = ".votechain"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config 节点的全部配置
type Config struct {
	BaseConfig `mapstructure:",squash"`

	P2P       *P2PConfig       `mapstructure:"p2p"`
	Gateway   *GatewayConfig   `mapstructure:"gateway"`
	Tracker   *TrackerConfig   `mapstructure:"tracker"`
	Consensus *ConsensusConfig `mapstructure:"consensus"`
	RPC       *RPCConfig       `mapstructure:"rpc"`
}

func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		P2P:        DefaultP2PConfig(),
		Gateway:    DefaultGatewayConfig(),
		Tracker:    DefaultTrackerConfig(),
		Consensus:  DefaultConsensusConfig(),
		RPC:        DefaultRPCConfig(),
	}
}

// TestConfig binds every listener to an ephemeral localhost port and keeps
// the chain in memory.
func TestConfig() *Config {
	return &Config{
		BaseConfig: TestBaseConfig(),
		P2P:        TestP2PConfig(),
		Gateway:    TestGatewayConfig(),
		Tracker:    TestTrackerConfig(),
		Consensus:  TestConsensusConfig(),
		RPC:        TestRPCConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := cfg.Gateway.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [gateway] section")
	}
	if err := cfg.Tracker.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [tracker] section")
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [consensus] section")
	}
	if err := cfg.RPC.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [rpc] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

type BaseConfig struct {
	RootDir string `mapstructure:"home"`

	// 节点名字，只用于日志和rpc展示
	Moniker string `mapstructure:"moniker"`

	LogLevel string `mapstructure:"log_level"`

	// memdb | goleveldb
	DBBackend string `mapstructure:"db_backend"`
	DBPath    string `mapstructure:"db_dir"`
}

func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker(),
		LogLevel:  DefaultLogLevel,
		DBBackend: DBBackendMemDB,
		DBPath:    defaultDataDir,
	}
}

func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "test-node"
	cfg.LogLevel = "debug"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.DBBackend {
	case DBBackendMemDB, DBBackendLevelDB:
	default:
		return fmt.Errorf("unknown db_backend %q", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

type P2PConfig struct {
	// 监听其他节点消息的地址
	ListenAddress string `mapstructure:"laddr"`

	// 向tracker注册的地址，为空时使用ListenAddress（0.0.0.0会被替换成127.0.0.1）
	ExternalAddress string `mapstructure:"external_address"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// 每个入站连接读取一条消息的超时时间
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	MaxBroadcastConcurrency int `mapstructure:"max_broadcast_concurrency"`

	// 启动时等待链同步的时间
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:           "0.0.0.0:5000",
		DialTimeout:             3 * time.Second,
		ReadTimeout:             10 * time.Second,
		MaxBroadcastConcurrency: 64,
		SyncTimeout:             10 * time.Second,
	}
}

func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.DialTimeout = time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.SyncTimeout = 5 * time.Second
	return cfg
}

func (cfg *P2PConfig) ValidateBasic() error {
	if err := validateHostPort(cfg.ListenAddress); err != nil {
		return errors.Wrap(err, "laddr")
	}
	if cfg.ExternalAddress != "" {
		if err := validateHostPort(cfg.ExternalAddress); err != nil {
			return errors.Wrap(err, "external_address")
		}
	}
	if cfg.DialTimeout <= 0 {
		return errors.New("dial_timeout must be positive")
	}
	if cfg.ReadTimeout <= 0 {
		return errors.New("read_timeout must be positive")
	}
	if cfg.MaxBroadcastConcurrency <= 0 {
		return errors.New("max_broadcast_concurrency must be positive")
	}
	if cfg.SyncTimeout < 0 {
		return errors.New("sync_timeout can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// GatewayConfig

type GatewayConfig struct {
	// 客户端连接的地址
	ListenAddress string `mapstructure:"laddr"`
}

func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{ListenAddress: "0.0.0.0:6000"}
}

func TestGatewayConfig() *GatewayConfig {
	return &GatewayConfig{ListenAddress: "127.0.0.1:0"}
}

func (cfg *GatewayConfig) ValidateBasic() error {
	return errors.Wrap(validateHostPort(cfg.ListenAddress), "laddr")
}

//-----------------------------------------------------------------------------
// TrackerConfig

type TrackerConfig struct {
	// 节点连接的tracker地址
	Address string `mapstructure:"addr"`

	// tracker服务自己的监听地址
	ListenAddress string `mapstructure:"laddr"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// 连接断开时移除通过该连接注册的地址
	EvictOnDisconnect bool `mapstructure:"evict_on_disconnect"`
}

func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		Address:       "127.0.0.1:4000",
		ListenAddress: "0.0.0.0:4000",
		DialTimeout:   3 * time.Second,
	}
}

func TestTrackerConfig() *TrackerConfig {
	cfg := DefaultTrackerConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.DialTimeout = time.Second
	return cfg
}

func (cfg *TrackerConfig) ValidateBasic() error {
	if err := validateHostPort(cfg.Address); err != nil {
		return errors.Wrap(err, "addr")
	}
	if err := validateHostPort(cfg.ListenAddress); err != nil {
		return errors.Wrap(err, "laddr")
	}
	if cfg.DialTimeout <= 0 {
		return errors.New("dial_timeout must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConsensusConfig

type ConsensusConfig struct {
	// 等待所有节点投票的时间，0表示一直等待
	BallotTimeout time.Duration `mapstructure:"ballot_timeout"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{BallotTimeout: 0}
}

func TestConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{BallotTimeout: 10 * time.Second}
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.BallotTimeout < 0 {
		return errors.New("ballot_timeout can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// RPCConfig

type RPCConfig struct {
	// 为空时不启动rpc，格式 tcp://host:port
	ListenAddress string `mapstructure:"laddr"`

	MaxOpenConnections int `mapstructure:"max_open_connections"`
}

func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ListenAddress:      "",
		MaxOpenConnections: 100,
	}
}

func TestRPCConfig() *RPCConfig {
	return &RPCConfig{MaxOpenConnections: 10}
}

func (cfg *RPCConfig) ValidateBasic() error {
	if cfg.ListenAddress != "" && !strings.HasPrefix(cfg.ListenAddress, "tcp://") {
		return errors.New("laddr must start with tcp://")
	}
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// helpers

// EnsureRoot creates the root and config directories and writes a default
// config file if none exists.
func EnsureRoot(rootDir string) error {
	if err := tmos.EnsureDir(rootDir, 0700); err != nil {
		return err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), 0700); err != nil {
		return err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), 0700); err != nil {
		return err
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(configFilePath, DefaultConfig())
	}
	return nil
}

// WriteConfigFile renders cfg as toml.
func WriteConfigFile(path string, cfg *Config) error {
	v := viper.New()
	v.Set("moniker", cfg.Moniker)
	v.Set("log_level", cfg.LogLevel)
	v.Set("db_backend", cfg.DBBackend)
	v.Set("db_dir", cfg.DBPath)

	v.Set("p2p.laddr", cfg.P2P.ListenAddress)
	v.Set("p2p.external_address", cfg.P2P.ExternalAddress)
	v.Set("p2p.dial_timeout", cfg.P2P.DialTimeout.String())
	v.Set("p2p.read_timeout", cfg.P2P.ReadTimeout.String())
	v.Set("p2p.max_broadcast_concurrency", cfg.P2P.MaxBroadcastConcurrency)
	v.Set("p2p.sync_timeout", cfg.P2P.SyncTimeout.String())

	v.Set("gateway.laddr", cfg.Gateway.ListenAddress)

	v.Set("tracker.addr", cfg.Tracker.Address)
	v.Set("tracker.laddr", cfg.Tracker.ListenAddress)
	v.Set("tracker.dial_timeout", cfg.Tracker.DialTimeout.String())
	v.Set("tracker.evict_on_disconnect", cfg.Tracker.EvictOnDisconnect)

	v.Set("consensus.ballot_timeout", cfg.Consensus.BallotTimeout.String())

	v.Set("rpc.laddr", cfg.RPC.ListenAddress)
	v.Set("rpc.max_open_connections", cfg.RPC.MaxOpenConnections)

	return errors.Wrap(v.WriteConfigAs(path), "write config")
}

// ResetTestRoot creates a fresh root under the temp dir with a test config file.
func ResetTestRoot(testName string) *Config {
	rootDir, err := os.MkdirTemp("", testName)
	if err != nil {
		panic(err)
	}
	cfg := TestConfig().SetRoot(rootDir)
	if err := EnsureRoot(rootDir); err != nil {
		panic(err)
	}
	if err := WriteConfigFile(cfg.ConfigFile(), cfg); err != nil {
		panic(err)
	}
	return cfg
}

// ResolveAdvertised turns a listen address into one other peers can dial.
func ResolveAdvertised(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func validateHostPort(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func defaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
