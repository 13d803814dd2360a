package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/nats-io/nats.go"
)

// Delivery is the outcome of a fire-and-forget publish.
type Delivery int

const (
	// NoListener means nobody was subscribed to the subject. It is not an error.
	NoListener Delivery = iota
	// Delivered means at least one subscriber received the message.
	Delivered
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case NoListener:
		return "no_listener"
	default:
		return "unknown"
	}
}

// ErrNoListener is returned by Request when no one serves the subject.
var ErrNoListener = errors.New("no listener for subject")

// Publisher is the slice of the bus used by components that only emit events.
type Publisher interface {
	Publish(subject string, v any) (Delivery, error)
}

// Client wraps a NATS connection with JSON helpers.
type Client struct {
	conn            *nats.Conn
	log             *slog.Logger
	deliveryTimeout time.Duration
	requestTimeout  time.Duration
}

func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if name == "" {
		name = "loqa-reader"
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
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

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:            conn,
		log:             log,
		deliveryTimeout: millis(cfg.DeliveryTimeout, 250*time.Millisecond),
		requestTimeout:  millis(cfg.RequestTimeout, 2*time.Second),
	}, nil
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

// Publish sends v as JSON without waiting for any processing by the receiver.
// Listeners registered through Listen acknowledge receipt before handling, so
// the caller learns whether anyone was subscribed. The server answers a
// request on a subject without interest with a no-responders status; a
// receipt that merely arrives late still implies a subscriber existed.
func (c *Client) Publish(subject string, v any) (Delivery, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return NoListener, fmt.Errorf("marshal %s: %w", subject, err)
	}
	_, err = c.conn.Request(subject, data, c.deliveryTimeout)
	switch {
	case err == nil, errors.Is(err, nats.ErrTimeout):
		return Delivered, nil
	case errors.Is(err, nats.ErrNoResponders):
		return NoListener, nil
	default:
		return NoListener, fmt.Errorf("publish %s: %w", subject, err)
	}
}

// Listen subscribes handler to subject for fire-and-forget events.
func (c *Client) Listen(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		if msg.Reply != "" {
			_ = msg.Respond(nil)
		}
		handler(msg)
	})
}

// Serve subscribes a request/response handler. The value it returns is sent
// back as JSON.
func (c *Client) Serve(subject string, handler func(msg *nats.Msg) any) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		resp := handler(msg)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			c.log.Warn("failed to marshal reply", slog.String("subject", subject), slogError(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			c.log.Warn("failed to send reply", slog.String("subject", subject), slogError(err))
		}
	})
}

// Request sends req as JSON and decodes the reply into resp.
func (c *Client) Request(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%s: %w", subject, ErrNoListener)
		}
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
