package htsget

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/EGA-archive/ega-htsget-client/internal/retry"
)

// ErrTicketRequest is returned when the ticket endpoint answers with a
// non-success status.
var ErrTicketRequest = errors.New("htsget: ticket request failed")

// Options configures a ticket Client.
type Options struct {
	// HTTPClient sends the requests. Default: a client with a 60s timeout.
	HTTPClient *http.Client

	// Attempts bounds the ticket request. Default: 9
	Attempts int

	// Backoff is the pause between attempts. Default: exponential from
	// 250ms up to 5s.
	Backoff retry.Backoff

	// Logger receives per-attempt diagnostics.
	Logger zerolog.Logger
}

// Client fetches tickets.
type Client struct {
	opts Options
}

// NewClient creates a ticket client.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 9
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.Exponential(250*time.Millisecond, 5*time.Second)
	}
	return &Client{opts: opts}
}

// FetchTicket requests a ticket, sending token as a bearer credential when
// set. It returns the decoded ticket and the raw response body.
//
// Transport errors, non-success statuses and undecodable bodies are all
// retried. A final failure means there is nothing to download.
func (c *Client) FetchTicket(ctx context.Context, ticketURL, token string) (*Ticket, []byte, error) {
	var (
		ticket *Ticket
		raw    []byte
	)

	policy := retry.Policy{
		Attempts: c.opts.Attempts,
		Backoff:  c.opts.Backoff,
		Notify: func(attempt int, err error, wait time.Duration) {
			c.opts.Logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("ticket request failed, retrying")
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ticketURL, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.opts.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: %s", ErrTicketRequest, resp.Status)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read ticket: %w", err)
		}
		t, err := DecodeTicket(bytes.NewReader(body))
		if err != nil {
			return err
		}

		ticket, raw = t, body
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch ticket: %w", err)
	}

	c.opts.Logger.Debug().
		Str("format", ticket.Format).
		Int("entries", len(ticket.URLs)).
		Msg("ticket received")
	return ticket, raw, nil
}
