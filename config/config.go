package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
)

const (
	// defaults for when not provided in Config
	EventChannelLength   uint16        = 1024
	DefaultPort          uint16        = 51000
	PortFileName         string        = "ipc.port"
	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpDialTimeout       time.Duration = time.Second * 3
	TcpReconnectInterval time.Duration = time.Second * 5
	TcpReconnectLogEvery uint32        = 12
	ReconnectAttempts    uint16        = 10
	ReconnectDelay       time.Duration = time.Millisecond * 500
	ConnectTimeout       time.Duration = time.Second * 10
	RequestMaxRetries    uint16        = 3
	RequestDiscardAfter  time.Duration = time.Millisecond * 2000
	RequestAbandonAfter  time.Duration = time.Minute * 10
	UpdateFrequencyFloor time.Duration = time.Minute * 5
	ListDecryptWorkers   uint16        = 4
	BlockActionWindow    time.Duration = time.Second * 30
	RemoteRequestTimeout time.Duration = time.Second * 30
	RemoteMaxRetries     uint16        = 2
)

const (
	// hard ceiling regardless of configuration
	MaxReconnectAttempts uint16 = 10
)

type Config struct {
	Instance           string `json:"instance"`
	EventChannelLength uint16 `json:"event_channel_length"`

	DataDir              string `json:"data_dir"`
	PortFile             string `json:"port_file"`
	DefaultPort          uint16 `json:"default_port"`
	TcpKeepAliveInterval uint16 `json:"tcp_keep_alive_interval"` // seconds
	TcpKeepAliveCount    uint16 `json:"tcp_keep_alive_count"`
	TcpDialTimeout       uint16 `json:"tcp_dial_timeout"` // seconds

	ReconnectEnabled    bool   `json:"reconnect_enabled"`
	ReconnectAttempts   uint16 `json:"reconnect_attempts"`
	ReconnectDelay      uint16 `json:"reconnect_delay"` // milliseconds
	ConnectTimeout      uint16 `json:"connect_timeout"` // seconds
	RequestMaxRetries   uint16 `json:"request_max_retries"`
	RequestDiscardAfter uint16 `json:"request_discard_after"` // milliseconds
	RequestAbandonAfter uint16 `json:"request_abandon_after"` // seconds

	ServiceURL           string `json:"service_url"`
	ServiceToken         string `json:"service_token"`
	EncryptionSecret     string `json:"encryption_secret"`
	RemoteRequestTimeout uint16 `json:"remote_request_timeout"` // seconds
	RemoteMaxRetries     uint16 `json:"remote_max_retries"`
	ListDecryptWorkers   uint16 `json:"list_decrypt_workers"`
	BlockActionWindow    uint16 `json:"block_action_window"` // seconds

	LogPrefix string `json:"log_prefix"`
	LogDebug  bool   `json:"log_debug"`
}

// Load reads a YAML config file; a missing file yields an empty Config which
// resolves to package defaults.
func Load(path string) (*Config, error) {
	c := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("failed to read config %s, err=%w", path, err)
				log.Printf("%s", err.Error())
				return nil, err
			}
			log.Printf("config %s not found, using defaults", path)
		} else {
			err = yaml.Unmarshal(data, c)
			if err != nil {
				err = fmt.Errorf("failed to parse config %s, err=%w", path, err)
				log.Printf("%s", err.Error())
				return nil, err
			}
		}
	}

	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "service"
	}
	if c.LogPrefix == "" {
		c.LogPrefix = c.Instance
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.PortFile == "" {
		c.PortFile = filepath.Join(c.DataDir, PortFileName)
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "policyd")
	}
	return filepath.Join(dir, "policyd")
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Instance == "" {
		err := fmt.Errorf("invalid Instance=%s", c.Instance)
		log.Printf("%s", err.Error())
		return err
	}

	if c.DataDir == "" {
		err := fmt.Errorf("invalid DataDir=%s", c.DataDir)
		log.Printf("%s", err.Error())
		return err
	}

	if c.PortFile == "" {
		err := fmt.Errorf("invalid PortFile=%s", c.PortFile)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

// ValidateService additionally checks what the privileged service needs.
func (c *Config) ValidateService() error {
	err := c.Validate()
	if err != nil {
		return err
	}

	if c.ServiceURL == "" {
		err := fmt.Errorf("invalid ServiceURL=%s", c.ServiceURL)
		log.Printf("%s", err.Error())
		return err
	}

	if c.EncryptionSecret == "" {
		err := fmt.Errorf("empty EncryptionSecret")
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

func (c *Config) GetEventChannelLength() uint16 {
	if c.EventChannelLength == 0 {
		return EventChannelLength
	}
	return c.EventChannelLength
}

func (c *Config) GetDefaultPort() uint16 {
	if c.DefaultPort == 0 {
		return DefaultPort
	}
	return c.DefaultPort
}

func (c *Config) GetTcpKeepAliveInterval() time.Duration {
	if c.TcpKeepAliveInterval == 0 {
		return TcpKeepAliveInterval
	}
	return time.Second * time.Duration(c.TcpKeepAliveInterval)
}

func (c *Config) GetTcpKeepAliveCount() uint16 {
	if c.TcpKeepAliveCount == 0 {
		return TcpKeepAliveCount
	}
	return c.TcpKeepAliveCount
}

func (c *Config) GetTcpDialTimeout() time.Duration {
	if c.TcpDialTimeout == 0 {
		return TcpDialTimeout
	}
	return time.Second * time.Duration(c.TcpDialTimeout)
}

func (c *Config) GetReconnectAttempts() uint16 {
	if c.ReconnectAttempts == 0 {
		return ReconnectAttempts
	}
	return min(c.ReconnectAttempts, MaxReconnectAttempts)
}

func (c *Config) GetReconnectDelay() time.Duration {
	if c.ReconnectDelay == 0 {
		return ReconnectDelay
	}
	return time.Millisecond * time.Duration(c.ReconnectDelay)
}

func (c *Config) GetConnectTimeout() time.Duration {
	if c.ConnectTimeout == 0 {
		return ConnectTimeout
	}
	return time.Second * time.Duration(c.ConnectTimeout)
}

func (c *Config) GetRequestMaxRetries() int {
	if c.RequestMaxRetries == 0 {
		return int(RequestMaxRetries)
	}
	return int(c.RequestMaxRetries)
}

func (c *Config) GetRequestDiscardAfter() time.Duration {
	if c.RequestDiscardAfter == 0 {
		return RequestDiscardAfter
	}
	return time.Millisecond * time.Duration(c.RequestDiscardAfter)
}

func (c *Config) GetRequestAbandonAfter() time.Duration {
	if c.RequestAbandonAfter == 0 {
		return RequestAbandonAfter
	}
	return time.Second * time.Duration(c.RequestAbandonAfter)
}

func (c *Config) GetRemoteRequestTimeout() time.Duration {
	if c.RemoteRequestTimeout == 0 {
		return RemoteRequestTimeout
	}
	return time.Second * time.Duration(c.RemoteRequestTimeout)
}

func (c *Config) GetRemoteMaxRetries() uint64 {
	if c.RemoteMaxRetries == 0 {
		return uint64(RemoteMaxRetries)
	}
	return uint64(c.RemoteMaxRetries)
}

func (c *Config) GetListDecryptWorkers() int {
	if c.ListDecryptWorkers == 0 {
		return int(ListDecryptWorkers)
	}
	return int(c.ListDecryptWorkers)
}

func (c *Config) GetBlockActionWindow() time.Duration {
	if c.BlockActionWindow == 0 {
		return BlockActionWindow
	}
	return time.Second * time.Duration(c.BlockActionWindow)
}
