package config

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
)

type ServerConfig struct {
	// ID names this node. It keys the node's acceptor state in etcd and
	// prefixes the random token this process leads and writes bounds with.
	ID                string               `json:"id"`
	HTTPListenAddress string               `json:"httpListenAddress"`
	Peers             []string             `json:"peers"`
	StateLog          StorageConfig        `json:"stateLog"`
	BoundStore        StorageConfig        `json:"boundStore"`
	Election          ElectionConfig       `json:"election"`
	Timestamps        TimestampConfig      `json:"timestamps"`
	Notifications     []NotificationConfig `json:"notifications"`
}

type ElectionConfig struct {
	HeartbeatInterval Duration `json:"heartbeatInterval"`
	RenewalTimeout    Duration `json:"renewalTimeout"`
	LeaderTimeout     Duration `json:"leaderTimeout"`
	RPCTimeout        Duration `json:"rpcTimeout"`
	MaxAttempts       int      `json:"maxAttempts"`
	Backoff           Duration `json:"backoff"`
	// RetainSequences is how many sequences below the latest chosen one are
	// kept in the state log.
	RetainSequences int64 `json:"retainSequences"`
}

type TimestampConfig struct {
	BufferSize   int64 `json:"bufferSize"`
	MaxGrantSize int   `json:"maxGrantSize"`
}

type StorageConfig struct {
	Type   StorageType            `json:"type"`
	Config map[string]interface{} `json:"config"`
}

type StorageType string

const (
	StorageTypeMemory StorageType = "memory"
	StorageTypeFile   StorageType = "file"
	StorageTypeEtcd   StorageType = "etcd"
)

type FileStorageConfig struct {
	File string `mapstructure:"file"`
}

type EtcdStorageConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

type NotificationConfig struct {
	Type   NotificationType       `json:"type"`
	Config map[string]interface{} `json:"config"`
}

type NotificationType string

const (
	NotificationTypeWebhook NotificationType = "webhook"
	NotificationTypeSlack   NotificationType = "slack"
)

type WebhookConfig struct {
	URL     string      `mapstructure:"url"`
	Method  string      `mapstructure:"method"`
	Body    string      `mapstructure:"body"`
	Headers http.Header `mapstructure:"headers"`
}

type SlackConfig struct {
	Token         string         `mapstructure:"token"`
	Channel       string         `mapstructure:"channel"`
	MessageFields []MessageField `mapstructure:"messageFields"`
}

type MessageField struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

func (n NotificationConfig) GetWebhookConfig() (cfg WebhookConfig, err error) {
	err = Decode(n.Config, &cfg)
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return cfg, err
}

func (n NotificationConfig) GetSlackConfig() (cfg SlackConfig, err error) {
	err = Decode(n.Config, &cfg)
	return cfg, err
}

func (s StorageConfig) GetFileConfig() (cfg FileStorageConfig, err error) {
	err = Decode(s.Config, &cfg)
	if err == nil && cfg.File == "" {
		err = errors.New("file storage needs a file")
	}
	return cfg, err
}

func (s StorageConfig) GetEtcdConfig() (cfg EtcdStorageConfig, err error) {
	err = Decode(s.Config, &cfg)
	if err != nil {
		return cfg, err
	}
	if len(cfg.Endpoints) == 0 {
		return cfg, errors.New("etcd storage needs at least one endpoint")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/timelock"
	}
	return cfg, nil
}

// Decode maps a free-form backend config onto a typed struct. Durations may
// be given as strings like "5s".
func Decode(input map[string]interface{}, output interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// SetDefaults fills everything left empty in the config file.
func (cfg *ServerConfig) SetDefaults() {
	if cfg.HTTPListenAddress == "" {
		cfg.HTTPListenAddress = ":8421"
	}
	if cfg.StateLog.Type == "" {
		cfg.StateLog.Type = StorageTypeMemory
	}
	if cfg.BoundStore.Type == "" {
		cfg.BoundStore.Type = StorageTypeMemory
	}
	e := &cfg.Election
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = Duration(time.Second)
	}
	if e.RenewalTimeout == 0 {
		e.RenewalTimeout = e.HeartbeatInterval
	}
	if e.LeaderTimeout == 0 {
		e.LeaderTimeout = 3 * e.HeartbeatInterval
	}
	if e.RPCTimeout == 0 {
		e.RPCTimeout = Duration(500 * time.Millisecond)
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.Backoff == 0 {
		e.Backoff = Duration(50 * time.Millisecond)
	}
	if e.RetainSequences == 0 {
		e.RetainSequences = 1000
	}
	if cfg.Timestamps.BufferSize == 0 {
		cfg.Timestamps.BufferSize = 1000000
	}
	if cfg.Timestamps.MaxGrantSize == 0 {
		cfg.Timestamps.MaxGrantSize = 10000
	}
}

func (cfg ServerConfig) Validate() error {
	switch {
	case cfg.Election.LeaderTimeout <= cfg.Election.HeartbeatInterval:
		return fmt.Errorf("leaderTimeout (%s) must exceed heartbeatInterval (%s)",
			cfg.Election.LeaderTimeout, cfg.Election.HeartbeatInterval)
	case cfg.Election.HeartbeatInterval+cfg.Election.RenewalTimeout >= cfg.Election.LeaderTimeout:
		return fmt.Errorf("heartbeatInterval (%s) plus renewalTimeout (%s) must stay below leaderTimeout (%s)",
			cfg.Election.HeartbeatInterval, cfg.Election.RenewalTimeout, cfg.Election.LeaderTimeout)
	case cfg.Election.RetainSequences < 1:
		return errors.New("election.retainSequences must be positive")
	case cfg.Timestamps.BufferSize < 1:
		return errors.New("timestamps.bufferSize must be positive")
	case cfg.StateLog.Type == StorageTypeEtcd && cfg.ID == "":
		return errors.New("an etcd state log needs a node id")
	}
	return nil
}
