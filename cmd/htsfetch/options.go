package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/rs/zerolog"

	"github.com/EGA-archive/ega-htsget-client/internal/config"
	hfhttp "github.com/EGA-archive/ega-htsget-client/internal/http"
	"github.com/EGA-archive/ega-htsget-client/internal/progress"
)

// queryFlags holds the flags shared by every command that requests a
// ticket.
type queryFlags struct {
	configPath       string
	endpoint         string
	variantsEndpoint string
	dataset          string
	format           string
	region           string
	referenceName    string
	start            uint64
	end              uint64
	token            string
	basicAuth        string
	proxy            string
	ticketAttempts   int
	debug            bool
}

func (q *queryFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&q.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&q.endpoint, "endpoint", "", "Ticket endpoint for reads (default "+config.DefaultEndpoint+")")
	fs.StringVar(&q.variantsEndpoint, "variants-endpoint", "", "Ticket endpoint for VCF and BCF (default "+config.DefaultVariantsEndpoint+")")
	fs.StringVar(&q.dataset, "dataset", "", "Dataset or file ID (may also be given as the first argument)")
	fs.StringVar(&q.format, "format", "", "Data format: BAM, CRAM, VCF or BCF (default BAM)")
	fs.StringVar(&q.region, "region", "", "Genomic region as <sequence>:<start>-<end>")
	fs.StringVar(&q.referenceName, "reference-name", "", "Reference sequence name")
	fs.Uint64Var(&q.start, "start", 0, "Region start")
	fs.Uint64Var(&q.end, "end", 0, "Region end (0 for the end of the sequence)")
	fs.StringVar(&q.token, "token", "", "Bearer token for the ticket request, or file://<path>")
	fs.StringVar(&q.basicAuth, "basic-auth", "", "user:password for data requests whose entry names no credentials, or file://<path>")
	fs.StringVar(&q.proxy, "proxy", "", "HTTP proxy URL")
	fs.IntVar(&q.ticketAttempts, "ticket-attempts", 0, "Attempts for the ticket request (default 9)")
	fs.BoolVar(&q.debug, "debug", false, "Enable debug logging")
}

func (q *queryFlags) config(fs *flag.FlagSet) config.Config {
	dataset := q.dataset
	if dataset == "" && fs.NArg() > 0 {
		dataset = fs.Arg(0)
	}
	return config.Config{
		Endpoint:         q.endpoint,
		VariantsEndpoint: q.variantsEndpoint,
		DatasetID:        dataset,
		Format:           q.format,
		Region:           q.region,
		ReferenceName:    q.referenceName,
		Start:            q.start,
		End:              q.end,
		Token:            q.token,
		BasicAuth:        q.basicAuth,
		Proxy:            q.proxy,
		Debug:            q.debug,
		Retry:            config.RetryConfig{TicketAttempts: q.ticketAttempts},
	}
}

// loadConfig layers defaults, the config file, the environment and the
// flags, in that order.
func loadConfig(path string, flags config.Config) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}
	cfg = cfg.Merge(flags)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

// secrets holds resolved credentials. The token authenticates the ticket
// request only; data requests use the headers each entry carries, or creds
// when basic auth is configured.
type secrets struct {
	token string
	creds hfhttp.Credentials
}

func resolveSecrets(cfg config.Config) (secrets, error) {
	token, err := config.ResolveSecret(cfg.Token)
	if err != nil {
		return secrets{}, fmt.Errorf("token: %w", err)
	}
	basic, err := config.ResolveSecret(cfg.BasicAuth)
	if err != nil {
		return secrets{}, fmt.Errorf("basic auth: %w", err)
	}

	s := secrets{token: token}
	if basic != "" {
		s.creds = hfhttp.Basic(basic)
	}
	return s, nil
}

func httpOptions(cfg config.Config, log zerolog.Logger) (hfhttp.Options, error) {
	opts := hfhttp.DefaultOptions()
	opts.ConnectTimeout = cfg.Timeouts.Connect
	opts.ReadTimeout = cfg.Timeouts.Read
	opts.Logger = log
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return hfhttp.Options{}, fmt.Errorf("proxy: %w", err)
		}
		opts.Proxy = u
	}
	return opts, nil
}

// parseSize parses a size flag, leaving zero when it is unset.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return progress.ParseBytes(s)
}
