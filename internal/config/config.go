package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults applied by WithDefaults.
const (
	DefaultManagementAddr          = ":8095"
	DefaultInferenceAddr           = ":8096"
	DefaultMaxBufferedRequests     = int32(32)
	DefaultBufferedRequestsTimeout = 10 * time.Second
	DefaultInferenceTokenTimeout   = 30 * time.Second
	DefaultFleetStore              = "memory://"
	DefaultModelsDir               = "~/models/llm"
	DefaultStatusInterval          = 10 * time.Second
)

// Duration is a time.Duration written as a string such as "1m30s" in every
// supported file format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Config is the file configuration for both subcommands. Zero values mean
// "unspecified" and are replaced by WithDefaults.
type Config struct {
	LogLevel  string         `json:"log_level" yaml:"log_level" toml:"log_level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	LogFormat string         `json:"log_format" yaml:"log_format" toml:"log_format" validate:"omitempty,oneof=json console"`
	Balancer  BalancerConfig `json:"balancer" yaml:"balancer" toml:"balancer"`
	Agent     AgentConfig    `json:"agent" yaml:"agent" toml:"agent"`
}

// BalancerConfig configures `balancerd balancer`.
type BalancerConfig struct {
	ManagementAddr string `json:"management_addr" yaml:"management_addr" toml:"management_addr" validate:"required,hostname_port"`
	InferenceAddr  string `json:"inference_addr" yaml:"inference_addr" toml:"inference_addr" validate:"required,hostname_port"`
	// MaxBufferedRequests of 0 disables buffering; nil means the default.
	MaxBufferedRequests     *int32   `json:"max_buffered_requests" yaml:"max_buffered_requests" toml:"max_buffered_requests" validate:"omitempty,gte=0"`
	BufferedRequestsTimeout Duration `json:"buffered_requests_timeout" yaml:"buffered_requests_timeout" toml:"buffered_requests_timeout" validate:"gte=0"`
	InferenceTokenTimeout   Duration `json:"inference_token_timeout" yaml:"inference_token_timeout" toml:"inference_token_timeout" validate:"gte=0"`
	// FleetStore is memory://, file://<dir> or sqlite://<path>.
	FleetStore   string   `json:"fleet_store" yaml:"fleet_store" toml:"fleet_store" validate:"startswith=memory://|startswith=file://|startswith=sqlite://"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" validate:"dive,url"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" validate:"gte=0"`
}

// AgentConfig configures `balancerd agent`.
type AgentConfig struct {
	BalancerURL string `json:"balancer_url" yaml:"balancer_url" toml:"balancer_url" validate:"omitempty,url"`
	ID          string `json:"id" yaml:"id" toml:"id"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	// Model and Slots form a local desired state applied until the balancer
	// pushes one.
	Model               string   `json:"model" yaml:"model" toml:"model"`
	Slots               int      `json:"slots" yaml:"slots" toml:"slots" validate:"gte=0"`
	ModelsDir           string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	HuggingFaceCacheDir string   `json:"huggingface_cache_dir" yaml:"huggingface_cache_dir" toml:"huggingface_cache_dir"`
	ContextSize         int      `json:"context_size" yaml:"context_size" toml:"context_size" validate:"gte=0"`
	Threads             int      `json:"threads" yaml:"threads" toml:"threads" validate:"gte=0"`
	StatusInterval      Duration `json:"status_interval" yaml:"status_interval" toml:"status_interval" validate:"gte=0"`
}

// WithDefaults returns a copy with unspecified fields filled in.
func (c Config) WithDefaults() Config {
	b := &c.Balancer
	if b.ManagementAddr == "" {
		b.ManagementAddr = DefaultManagementAddr
	}
	if b.InferenceAddr == "" {
		b.InferenceAddr = DefaultInferenceAddr
	}
	if b.MaxBufferedRequests == nil {
		n := DefaultMaxBufferedRequests
		b.MaxBufferedRequests = &n
	}
	if b.BufferedRequestsTimeout == 0 {
		b.BufferedRequestsTimeout = Duration(DefaultBufferedRequestsTimeout)
	}
	if b.InferenceTokenTimeout == 0 {
		b.InferenceTokenTimeout = Duration(DefaultInferenceTokenTimeout)
	}
	if b.FleetStore == "" {
		b.FleetStore = DefaultFleetStore
	}
	a := &c.Agent
	if a.ModelsDir == "" {
		a.ModelsDir = DefaultModelsDir
	}
	if a.StatusInterval == 0 {
		a.StatusInterval = Duration(DefaultStatusInterval)
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. Call it after WithDefaults.
func (c Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
