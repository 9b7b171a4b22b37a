package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/EGA-archive/ega-htsget-client/internal/config"
	"github.com/EGA-archive/ega-htsget-client/internal/htsget"
)

func runTicket(args []string) int {
	fs := flag.NewFlagSet("ticket", flag.ExitOnError)

	var q queryFlags
	q.register(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: htsfetch ticket [options] [dataset-id]

Request a ticket and print it to stdout as indented JSON.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(q.configPath, q.config(fs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}
	log := newLogger(cfg.Debug)

	s, err := resolveSecrets(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, raw, err := requestTicket(ctx, cfg, s.token, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitTicketFailed
	}

	if err := printTicket(os.Stdout, raw); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	return ExitSuccess
}

// requestTicket builds the ticket URL for cfg and fetches it.
func requestTicket(ctx context.Context, cfg config.Config, token string, log zerolog.Logger) (*htsget.Ticket, []byte, error) {
	format, err := htsget.ParseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}
	query, err := cfg.Query()
	if err != nil {
		return nil, nil, err
	}

	hopts, err := httpOptions(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if hopts.Proxy != nil {
		transport.Proxy = http.ProxyURL(hopts.Proxy)
	}

	client := htsget.NewClient(htsget.Options{
		HTTPClient: &http.Client{Transport: transport, Timeout: 60 * time.Second},
		Attempts:   cfg.Retry.TicketAttempts,
		Logger:     log,
	})

	ticketURL := htsget.TicketURL(cfg.TicketEndpoint(), cfg.DatasetID, format, query)
	log.Debug().Str("url", ticketURL).Msg("requesting ticket")

	return client.FetchTicket(ctx, ticketURL, token)
}

// printTicket writes the raw ticket indented. Bodies that are not valid
// JSON are written as received.
func printTicket(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
