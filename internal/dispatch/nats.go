package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
)

// NATSConfig configures the NATS dispatcher.
type NATSConfig struct {
	URL     string
	Subject string
	Queue   string
	// Embedded starts an in-process server listening on URL's host and port.
	// Port 0 picks a free port.
	Embedded bool
	// ReadyTimeout bounds the wait for the embedded server.
	ReadyTimeout time.Duration
}

// NATSConfigFromSettings converts the loaded configuration section.
func NATSConfigFromSettings(c config.NATSConfig) NATSConfig {
	return NATSConfig{
		URL:      c.URL,
		Subject:  c.Subject,
		Queue:    c.Queue,
		Embedded: c.Embedded,
	}
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "vendorscope.crawl"
	}
	if c.Queue == "" {
		c.Queue = "crawlers"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
}

// NATS dispatches through a NATS queue group.
type NATS struct {
	cfg    NATSConfig
	conn   *nats.Conn
	server *natsserver.Server
	logger *zap.Logger

	closeOnce sync.Once
}

// NewNATS connects to NATS, starting an embedded server first when configured.
func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	d := &NATS{cfg: cfg, logger: logger}
	connectURL := cfg.URL

	if cfg.Embedded {
		srv, err := startEmbedded(cfg)
		if err != nil {
			return nil, err
		}
		d.server = srv
		connectURL = srv.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", connectURL))
	}

	nc, err := nats.Connect(connectURL,
		nats.Name("vendorscope"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		d.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS at %s: %w", connectURL, err)
	}
	d.conn = nc

	logger.Info("connected to NATS",
		zap.String("url", connectURL),
		zap.String("subject", cfg.Subject),
		zap.String("queue", cfg.Queue))
	return d, nil
}

func startEmbedded(cfg NATSConfig) (*natsserver.Server, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing NATS url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := natsserver.DEFAULT_PORT
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("parsing NATS port %q: %w", p, err)
		}
	}
	if port == 0 {
		port = natsserver.RANDOM_PORT
	}

	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server on %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(cfg.ReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", cfg.ReadyTimeout)
	}
	return srv, nil
}

// Dispatch publishes req to the queue group.
func (d *NATS) Dispatch(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding dispatch request: %w", err)
	}
	if err := d.conn.Publish(d.cfg.Subject, data); err != nil {
		return fmt.Errorf("publishing dispatch request: %w", err)
	}
	DispatchedTotal.WithLabelValues("nats").Inc()
	return nil
}

// Run joins the queue group and handles requests until ctx ends.
func (d *NATS) Run(ctx context.Context, handler Handler) error {
	msgs := make(chan *nats.Msg, 16)
	sub, err := d.conn.ChanQueueSubscribe(d.cfg.Subject, d.cfg.Queue, msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", d.cfg.Subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !d.conn.IsClosed() {
			d.logger.Warn("unsubscribing dispatch queue", zap.Error(err))
		}
	}()
	// Make the subscription visible before the caller starts publishing.
	if err := d.conn.Flush(); err != nil {
		return fmt.Errorf("flushing subscription: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			var req Request
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				DecodeErrorsTotal.Inc()
				d.logger.Warn("dropping malformed dispatch request",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				continue
			}
			handler(ctx, req)
		}
	}
}

// Close flushes pending publishes, closes the connection and stops the
// embedded server.
func (d *NATS) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.conn != nil {
			if !d.conn.IsClosed() {
				err = d.conn.FlushTimeout(2 * time.Second)
			}
			d.conn.Close()
		}
		d.shutdownServer()
	})
	return err
}

func (d *NATS) shutdownServer() {
	if d.server != nil {
		d.server.Shutdown()
		d.server.WaitForShutdown()
	}
}
