// Package bus connects to the NATS server that receives live trial results.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mooretm/yes-no/internal/config"
)

const flushTimeout = 2 * time.Second

// Client wraps a NATS connection and the configured subject prefix.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, appName string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			timeout = remaining
		}
	}

	options := []nats.Option{
		nats.Name(appName),
		nats.Timeout(timeout),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log = log.With(slog.String("component", "bus"))
	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		log:    log,
	}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *nats.Conn, prefix string, log *slog.Logger) *Client {
	return &Client{conn: conn, prefix: prefix, log: log.With(slog.String("component", "bus"))}
}

// Subject joins the configured prefix and name with dots.
func (c *Client) Subject(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "." + name
}

// Publish sends data on the prefixed subject and flushes so a failure is
// reported to the caller rather than lost in the write buffer.
func (c *Client) Publish(ctx context.Context, name string, data []byte) error {
	subject := c.Subject(name)
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	var err error
	if _, ok := ctx.Deadline(); ok {
		err = c.conn.FlushWithContext(ctx)
	} else {
		err = c.conn.FlushTimeout(flushTimeout)
	}
	if err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
