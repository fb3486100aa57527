// Package gatewayclient is the typed, resilient transport to the
// permissioned-ledger gateway: connect, submit, evaluate, and stream
// committed events, with per-identity connection pooling and a circuit
// breaker on the submit path.
package gatewayclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/qirat-network/custodian-core/internal/gatewayclient/wire"
	"github.com/qirat-network/custodian-core/internal/obsmetrics"
)

const submitTimeout = 120 * time.Second
const streamReconnectDelay = 5 * time.Second

// ChannelConfig is shared across all identities connecting to the same
// permissioned-ledger channel.
type ChannelConfig struct {
	ChannelName   string
	ChaincodeName string
	KeepAlive     time.Duration
}

// IdentityEndpoint is the per-identity configuration required to dial:
// the peer endpoint plus its TLS material.
type IdentityEndpoint struct {
	PeerEndpoint string
	TLS          IdentityTLS
}

// SubmitResult is the outcome of a successful Submit call.
type SubmitResult struct {
	TxID        string
	BlockNumber uint64
	Payload     []byte
}

// Client is a single identity's connection to the gateway: exactly one
// transport per configured identity, created once per process lifetime.
// It owns no business logic and never references outbox rows.
type Client struct {
	identity string
	conn     *grpc.ClientConn
	channel  ChannelConfig
	breaker  *breaker
	tracer   trace.Tracer
}

// Registry owns one Client per configured identity and is the unit workers
// depend on; it never shares a connection, signer, or breaker across
// identities.
type Registry struct {
	mu      sync.Mutex
	channel ChannelConfig
	clients map[string]*Client
}

// NewRegistry constructs an empty identity registry for the given channel.
func NewRegistry(channel ChannelConfig) *Registry {
	return &Registry{channel: channel, clients: make(map[string]*Client)}
}

// Connect establishes a mutually-authenticated connection for the named
// identity if one does not already exist. Subsequent calls for the same
// name return the existing connection.
func (r *Registry) Connect(ctx context.Context, name string, endpoint IdentityEndpoint) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[name]; ok {
		return existing, nil
	}

	opts, err := dialOptions(endpoint.TLS, r.channel.KeepAlive)
	if err != nil {
		return nil, &ConnectionError{Identity: name, Err: err}
	}

	conn, err := grpc.NewClient(endpoint.PeerEndpoint, opts...)
	if err != nil {
		return nil, &ConnectionError{Identity: name, Err: err}
	}

	client := &Client{
		identity: name,
		conn:     conn,
		channel:  r.channel,
		breaker:  newBreaker(),
		tracer:   otel.Tracer("gatewayclient"),
	}
	r.clients[name] = client
	return client, nil
}

// Get returns the already-connected client for name, if any.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[name]
	return client, ok
}

// Snapshot returns the current breaker stats for every connected identity,
// keyed by identity name, for health reporting.
func (r *Registry) Snapshot() map[string]BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerStats, len(r.clients))
	for name, client := range r.clients {
		out[name] = client.CircuitBreakerStats()
	}
	return out
}

// Close closes every connection held by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, client := range r.clients {
		if err := client.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Submit endorses a proposal, submits it for ordering, and waits for
// commit, resolving the contract handle per-call since the chaincode
// package exposes multiple contracts (Identity, Tokenomics, Organization,
// Loan, Governance, Admin, TaxAndFee). Gated by the submit-path circuit
// breaker; Evaluate and StreamEvents are not.
func (c *Client) Submit(ctx context.Context, contract, function string, args []string) (SubmitResult, error) {
	metrics := obsmetrics.Gateway()
	defer func() {
		metrics.BreakerState.WithLabelValues(c.identity).Set(obsmetrics.BreakerStateValue(string(c.breaker.stats().State)))
	}()

	if !c.breaker.allow() {
		metrics.SubmitOutcomes.WithLabelValues(c.identity, "BREAKER_OPEN").Inc()
		return SubmitResult{}, ErrBreakerOpen
	}

	ctx, span := c.tracer.Start(ctx, "gatewayclient.submit",
		trace.WithAttributes(
			attribute.String("contract", contract),
			attribute.String("function", function),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	start := time.Now()
	req := &wire.SubmitRequest{
		Channel:   c.channel.ChannelName,
		Chaincode: c.channel.ChaincodeName,
		Contract:  contract,
		Function:  function,
		Args:      args,
	}
	var resp wire.SubmitResponse
	err := c.conn.Invoke(ctx, "/gateway.Gateway/Submit", req, &resp, grpc.CallContentSubtype(wire.Name))
	metrics.SubmitLatency.WithLabelValues(c.identity).Observe(time.Since(start).Seconds())
	if err != nil {
		classified := classifySubmitError(function, resp.TxID, err)
		c.breaker.recordFailure()
		metrics.SubmitOutcomes.WithLabelValues(c.identity, "FAILURE").Inc()
		span.RecordError(classified)
		span.SetStatus(codes.Error, classified.Error())
		return SubmitResult{}, classified
	}

	c.breaker.recordSuccess()
	metrics.SubmitOutcomes.WithLabelValues(c.identity, "SUCCESS").Inc()
	span.SetAttributes(attribute.String("tx.id", resp.TxID))
	return SubmitResult{TxID: resp.TxID, BlockNumber: resp.BlockNumber, Payload: resp.Payload}, nil
}

// Evaluate performs a read-only chaincode query. It is not rate-limited by
// the breaker because queries are cheap and safely retryable by the caller.
func (c *Client) Evaluate(ctx context.Context, contract, function string, args []string) ([]byte, error) {
	req := &wire.EvaluateRequest{
		Channel:   c.channel.ChannelName,
		Chaincode: c.channel.ChaincodeName,
		Contract:  contract,
		Function:  function,
		Args:      args,
	}
	var resp wire.EvaluateResponse
	if err := c.conn.Invoke(ctx, "/gateway.Gateway/Evaluate", req, &resp, grpc.CallContentSubtype(wire.Name)); err != nil {
		return nil, &ConnectionError{Identity: c.identity, Err: err}
	}
	return resp.Payload, nil
}

// CircuitBreakerStats reports the submit-path breaker's current snapshot.
func (c *Client) CircuitBreakerStats() BreakerStats {
	return c.breaker.stats()
}

// StreamEvents tails committed events from startBlock onward. On transport
// loss it sleeps a fixed ~5s backoff and reconnects from the same start
// block; the projector is responsible for skipping events it has already
// processed.
func (c *Client) StreamEvents(ctx context.Context, startBlock uint64, onEvent func(wire.Event), onError func(error), onReconnect func()) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(streamReconnectDelay), ctx)

	attempts := 0
	operation := func() error {
		if attempts > 0 && onReconnect != nil {
			onReconnect()
		}
		attempts++
		err := c.runEventStream(ctx, startBlock, onEvent)
		if err != nil && !errors.Is(err, context.Canceled) && onError != nil {
			onError(err)
		}
		return err
	}

	err := backoff.Retry(operation, policy)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Client) runEventStream(ctx context.Context, startBlock uint64, onEvent func(wire.Event)) error {
	desc := &grpc.StreamDesc{StreamName: "StreamEvents", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/gateway.Gateway/StreamEvents", grpc.CallContentSubtype(wire.Name))
	if err != nil {
		return &ConnectionError{Identity: c.identity, Err: err}
	}

	req := &wire.StreamEventsRequest{
		Channel:    c.channel.ChannelName,
		Chaincode:  c.channel.ChaincodeName,
		StartBlock: startBlock,
	}
	if err := stream.SendMsg(req); err != nil {
		return &ConnectionError{Identity: c.identity, Err: err}
	}
	if err := stream.CloseSend(); err != nil {
		return &ConnectionError{Identity: c.identity, Err: err}
	}

	for {
		var evt wire.Event
		if err := stream.RecvMsg(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("gatewayclient: event stream closed: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectionError{Identity: c.identity, Err: err}
		}
		onEvent(evt)
	}
}

func classifySubmitError(function, txID string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &ConnectionError{Err: err}
	}
	switch st.Code() {
	case grpccodes.DeadlineExceeded:
		return &TimeoutError{TxID: txID, Err: err}
	case grpccodes.FailedPrecondition, grpccodes.InvalidArgument:
		return &ChaincodeError{Function: function, Message: st.Message()}
	case grpccodes.Aborted:
		return &EndorsementError{Function: function, Err: err}
	default:
		return &ConnectionError{Err: err}
	}
}
