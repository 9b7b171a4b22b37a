package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EGA-archive/ega-htsget-client/internal/htsget"
	"github.com/EGA-archive/ega-htsget-client/internal/progress"
)

// Default ticket endpoints.
const (
	DefaultEndpoint         = "https://ega.ebi.ac.uk:8051/elixir/data/tickets/files/"
	DefaultVariantsEndpoint = "https://ega.ebi.ac.uk:8051/elixir/data/tickets/variants/"
)

// Config defines configuration for the htsfetch CLI.
type Config struct {
	Endpoint         string `yaml:"endpoint"`
	VariantsEndpoint string `yaml:"variants_endpoint"`
	DatasetID        string `yaml:"dataset_id"`
	Format           string `yaml:"format"`
	Region           string `yaml:"region"`
	ReferenceName    string `yaml:"reference_name"`
	Start            uint64 `yaml:"start"`
	End              uint64 `yaml:"end"`

	Output string `yaml:"output"`
	Bucket string `yaml:"bucket"`
	Object string `yaml:"object"`

	BufferSize int64 `yaml:"buffer_size"`
	BlockSize  int64 `yaml:"block_size"`
	QueueSize  int   `yaml:"queue_size"`
	Retries    int   `yaml:"retries"`

	Token     string `yaml:"token"`
	BasicAuth string `yaml:"basic_auth"`
	Proxy     string `yaml:"proxy"`

	PrintTicket bool `yaml:"print_ticket"`
	Progress    bool `yaml:"progress"`
	Debug       bool `yaml:"debug"`

	Retry    RetryConfig   `yaml:"retry"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// RetryConfig defines the inner retry levels. Config.Retries covers whole
// entries.
type RetryConfig struct {
	TicketAttempts  int           `yaml:"ticket_attempts"`
	OpenAttempts    int           `yaml:"open_attempts"`
	OpenBackoff     time.Duration `yaml:"open_backoff"`
	ResolveAttempts int           `yaml:"resolve_attempts"`
	ResolveBackoff  time.Duration `yaml:"resolve_backoff"`
}

// TimeoutConfig bounds data requests.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Endpoint:         DefaultEndpoint,
		VariantsEndpoint: DefaultVariantsEndpoint,
		Format:           string(htsget.BAM),
		BufferSize:       1024 * 1024,
		BlockSize:        32 * 1024,
		QueueSize:        5,
		Retries:          3,
		Retry: RetryConfig{
			TicketAttempts:  9,
			OpenAttempts:    5,
			OpenBackoff:     500 * time.Millisecond,
			ResolveAttempts: 5,
			ResolveBackoff:  2 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Connect: 120 * time.Second,
			Read:    180 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Endpoint         string            `yaml:"endpoint"`
	VariantsEndpoint string            `yaml:"variants_endpoint"`
	DatasetID        string            `yaml:"dataset_id"`
	Format           string            `yaml:"format"`
	Region           string            `yaml:"region"`
	ReferenceName    string            `yaml:"reference_name"`
	Start            uint64            `yaml:"start"`
	End              uint64            `yaml:"end"`
	Output           string            `yaml:"output"`
	Bucket           string            `yaml:"bucket"`
	Object           string            `yaml:"object"`
	BufferSize       string            `yaml:"buffer_size"`
	BlockSize        string            `yaml:"block_size"`
	QueueSize        int               `yaml:"queue_size"`
	Retries          *int              `yaml:"retries"`
	Token            string            `yaml:"token"`
	BasicAuth        string            `yaml:"basic_auth"`
	Proxy            string            `yaml:"proxy"`
	PrintTicket      bool              `yaml:"print_ticket"`
	Progress         bool              `yaml:"progress"`
	Debug            bool              `yaml:"debug"`
	Retry            yamlRetryConfig   `yaml:"retry"`
	Timeouts         yamlTimeoutConfig `yaml:"timeouts"`
}

type yamlRetryConfig struct {
	TicketAttempts  int    `yaml:"ticket_attempts"`
	OpenAttempts    int    `yaml:"open_attempts"`
	OpenBackoff     string `yaml:"open_backoff"`
	ResolveAttempts int    `yaml:"resolve_attempts"`
	ResolveBackoff  string `yaml:"resolve_backoff"`
}

type yamlTimeoutConfig struct {
	Connect string `yaml:"connect"`
	Read    string `yaml:"read"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default().Merge(Config{
		Endpoint:         yc.Endpoint,
		VariantsEndpoint: yc.VariantsEndpoint,
		DatasetID:        yc.DatasetID,
		Format:           yc.Format,
		Region:           yc.Region,
		ReferenceName:    yc.ReferenceName,
		Start:            yc.Start,
		End:              yc.End,
		Output:           yc.Output,
		Bucket:           yc.Bucket,
		Object:           yc.Object,
		QueueSize:        yc.QueueSize,
		Token:            yc.Token,
		BasicAuth:        yc.BasicAuth,
		Proxy:            yc.Proxy,
		PrintTicket:      yc.PrintTicket,
		Progress:         yc.Progress,
		Debug:            yc.Debug,
		Retry: RetryConfig{
			TicketAttempts:  yc.Retry.TicketAttempts,
			OpenAttempts:    yc.Retry.OpenAttempts,
			ResolveAttempts: yc.Retry.ResolveAttempts,
		},
	})

	// Zero retries is meaningful, so it cannot go through Merge.
	if yc.Retries != nil {
		cfg.Retries = *yc.Retries
	}

	sizes := []struct {
		key   string
		value string
		dst   *int64
	}{
		{"buffer_size", yc.BufferSize, &cfg.BufferSize},
		{"block_size", yc.BlockSize, &cfg.BlockSize},
	}
	for _, s := range sizes {
		if s.value == "" {
			continue
		}
		n, err := progress.ParseBytes(s.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", s.key, err)
		}
		*s.dst = n
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"retry.open_backoff", yc.Retry.OpenBackoff, &cfg.Retry.OpenBackoff},
		{"retry.resolve_backoff", yc.Retry.ResolveBackoff, &cfg.Retry.ResolveBackoff},
		{"timeouts.connect", yc.Timeouts.Connect, &cfg.Timeouts.Connect},
		{"timeouts.read", yc.Timeouts.Read, &cfg.Timeouts.Read},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the HTSFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"HTSFETCH_ENDPOINT":          &c.Endpoint,
		"HTSFETCH_VARIANTS_ENDPOINT": &c.VariantsEndpoint,
		"HTSFETCH_DATASET_ID":        &c.DatasetID,
		"HTSFETCH_FORMAT":            &c.Format,
		"HTSFETCH_REGION":            &c.Region,
		"HTSFETCH_REFERENCE_NAME":    &c.ReferenceName,
		"HTSFETCH_OUTPUT":            &c.Output,
		"HTSFETCH_BUCKET":            &c.Bucket,
		"HTSFETCH_OBJECT":            &c.Object,
		"HTSFETCH_TOKEN":             &c.Token,
		"HTSFETCH_BASIC_AUTH":        &c.BasicAuth,
		"HTSFETCH_PROXY":             &c.Proxy,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	for key, dst := range map[string]*uint64{
		"HTSFETCH_START": &c.Start,
		"HTSFETCH_END":   &c.End,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = n
		}
	}

	for key, dst := range map[string]*int{
		"HTSFETCH_QUEUE_SIZE":             &c.QueueSize,
		"HTSFETCH_RETRIES":                &c.Retries,
		"HTSFETCH_RETRY_TICKET_ATTEMPTS":  &c.Retry.TicketAttempts,
		"HTSFETCH_RETRY_OPEN_ATTEMPTS":    &c.Retry.OpenAttempts,
		"HTSFETCH_RETRY_RESOLVE_ATTEMPTS": &c.Retry.ResolveAttempts,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = n
		}
	}

	for key, dst := range map[string]*int64{
		"HTSFETCH_BUFFER_SIZE": &c.BufferSize,
		"HTSFETCH_BLOCK_SIZE":  &c.BlockSize,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := progress.ParseBytes(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = n
		}
	}

	for key, dst := range map[string]*time.Duration{
		"HTSFETCH_RETRY_OPEN_BACKOFF":    &c.Retry.OpenBackoff,
		"HTSFETCH_RETRY_RESOLVE_BACKOFF": &c.Retry.ResolveBackoff,
		"HTSFETCH_CONNECT_TIMEOUT":       &c.Timeouts.Connect,
		"HTSFETCH_READ_TIMEOUT":          &c.Timeouts.Read,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = d
		}
	}

	for key, dst := range map[string]*bool{
		"HTSFETCH_PRINT_TICKET": &c.PrintTicket,
		"HTSFETCH_PROGRESS":     &c.Progress,
		"HTSFETCH_DEBUG":        &c.Debug,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DatasetID == "" {
		return errors.New("config: dataset_id is required")
	}
	if _, err := htsget.ParseFormat(c.Format); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Query(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.TicketEndpoint() == "" {
		return errors.New("config: endpoint is required")
	}
	if c.Bucket != "" && c.Object == "" {
		return errors.New("config: object is required with bucket")
	}
	if c.Bucket != "" && c.Output != "" {
		return errors.New("config: output and bucket are mutually exclusive")
	}
	if c.BufferSize <= 0 {
		return errors.New("config: buffer_size must be positive")
	}
	if c.BlockSize <= 0 || c.BlockSize > 1<<30 {
		return errors.New("config: block_size must be positive and at most 1GiB")
	}
	if c.QueueSize <= 0 {
		return errors.New("config: queue_size must be positive")
	}
	if c.Retries < 0 {
		return errors.New("config: retries must not be negative")
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("config: proxy: %w", err)
		}
	}
	return nil
}

// Query returns the genomic query: Region when set, otherwise
// ReferenceName, Start and End.
func (c *Config) Query() (htsget.Query, error) {
	if c.Region != "" {
		return htsget.ParseQuery(c.Region)
	}
	if c.End > 0 && c.Start > c.End {
		return htsget.Query{}, fmt.Errorf("%w: start %d after end %d", htsget.ErrMalformedQuery, c.Start, c.End)
	}
	return htsget.Query{Sequence: c.ReferenceName, Start: c.Start, End: c.End}, nil
}

// TicketEndpoint returns the endpoint for the configured format: variant
// formats use VariantsEndpoint when it is set.
func (c *Config) TicketEndpoint() string {
	if f, err := htsget.ParseFormat(c.Format); err == nil && f.IsVariant() && c.VariantsEndpoint != "" {
		return c.VariantsEndpoint
	}
	return c.Endpoint
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	strs := []struct{ dst, src *string }{
		{&c.Endpoint, &override.Endpoint},
		{&c.VariantsEndpoint, &override.VariantsEndpoint},
		{&c.DatasetID, &override.DatasetID},
		{&c.Format, &override.Format},
		{&c.Region, &override.Region},
		{&c.ReferenceName, &override.ReferenceName},
		{&c.Output, &override.Output},
		{&c.Bucket, &override.Bucket},
		{&c.Object, &override.Object},
		{&c.Token, &override.Token},
		{&c.BasicAuth, &override.BasicAuth},
		{&c.Proxy, &override.Proxy},
	}
	for _, s := range strs {
		if *s.src != "" {
			*s.dst = *s.src
		}
	}

	if override.Start != 0 {
		c.Start = override.Start
	}
	if override.End != 0 {
		c.End = override.End
	}
	if override.BufferSize != 0 {
		c.BufferSize = override.BufferSize
	}
	if override.BlockSize != 0 {
		c.BlockSize = override.BlockSize
	}
	if override.QueueSize != 0 {
		c.QueueSize = override.QueueSize
	}
	if override.Retries != 0 {
		c.Retries = override.Retries
	}
	if override.PrintTicket {
		c.PrintTicket = true
	}
	if override.Progress {
		c.Progress = true
	}
	if override.Debug {
		c.Debug = true
	}
	if override.Retry.TicketAttempts != 0 {
		c.Retry.TicketAttempts = override.Retry.TicketAttempts
	}
	if override.Retry.OpenAttempts != 0 {
		c.Retry.OpenAttempts = override.Retry.OpenAttempts
	}
	if override.Retry.OpenBackoff != 0 {
		c.Retry.OpenBackoff = override.Retry.OpenBackoff
	}
	if override.Retry.ResolveAttempts != 0 {
		c.Retry.ResolveAttempts = override.Retry.ResolveAttempts
	}
	if override.Retry.ResolveBackoff != 0 {
		c.Retry.ResolveBackoff = override.Retry.ResolveBackoff
	}
	if override.Timeouts.Connect != 0 {
		c.Timeouts.Connect = override.Timeouts.Connect
	}
	if override.Timeouts.Read != 0 {
		c.Timeouts.Read = override.Timeouts.Read
	}
	return c
}

// ResolveSecret returns s, or for "file://<path>" the first line of that
// file.
func ResolveSecret(s string) (string, error) {
	if len(s) < 7 || !strings.EqualFold(s[:7], "file://") {
		return s, nil
	}

	path := s[7:]
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return "", fmt.Errorf("read secret file: %s is empty", path)
	}
	return strings.TrimSpace(sc.Text()), nil
}
