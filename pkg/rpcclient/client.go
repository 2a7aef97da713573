package rpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"

	"github.com/cortexworks/wexec/pkg/security"
)

func init() {
	// Register the same JSON codec pkg/rpc's server forces, by name,
	// so CallContentSubtype("json") below picks it up on the wire.
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                              { return "json" }

// RetryConfig shapes the exponential-backoff loop Client applies to
// the shard-management calls, translated from the original shard
// manager's per-call retry/min_delay/max_delay/multiplier knobs.
type RetryConfig struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig matches the conservative defaults the original
// implementation ships for its own shard-assignment retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, MinDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2}
}

// Client is a gRPC client bound to one executor node's address. Its
// three shard-management methods retry with backoff; the rest
// (invocation, structural ops, oplog views) are single-shot, since
// retrying a business operation silently could duplicate a side
// effect the idempotency-key mechanism is meant to prevent in the
// first place.
type Client struct {
	conn    *grpc.ClientConn
	retries RetryConfig
	// limiter caps how often this client may begin a new retry
	// attempt across all in-flight calls, independent of each call's
	// own exponential delay, so many goroutines retrying at once
	// against the same node don't all land in the same instant.
	limiter *rate.Limiter
}

// DialMTLS connects to addr presenting the client certificate and CA
// pool found in certDir, mirroring the teacher's connectWithMTLS.
func DialMTLS(addr, certDir string, retries RetryConfig) (*Client, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: load client certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	})

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds), grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, retries: retries, limiter: rate.NewLimiter(rate.Every(retries.MinDelay), 1)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func method(name string) string { return "/wexec.Executor/" + name }

// grpcStreamDesc describes GetOplog's server-streaming shape on the
// client side, the counterpart of pkg/rpc's hand-built StreamDesc.
var grpcStreamDesc = grpc.StreamDesc{
	StreamName:    "GetOplog",
	ServerStreams: true,
}

func (c *Client) invokeUnary(ctx context.Context, name string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, method(name), req, resp)
}

// withRetry runs fn, retrying with exponential backoff (capped by
// c.limiter's attempt pacing) up to c.retries.MaxAttempts times.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	delay := c.retries.MinDelay
	var lastErr error
	for attempt := 0; attempt <= c.retries.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return lastErr
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = time.Duration(float64(delay) * c.retries.Multiplier)
			if delay > c.retries.MaxDelay {
				delay = c.retries.MaxDelay
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
