// Package rpc talks to the node over JSON-RPC. It turns block templates into
// mining jobs and submits solved blocks back to the node.
package rpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/google/uuid"

	"github.com/bardlex/qminer/internal/job"
	"github.com/bardlex/qminer/internal/submit"
	"github.com/bardlex/qminer/pkg/circuit"
	"github.com/bardlex/qminer/pkg/errors"
	"github.com/bardlex/qminer/pkg/log"
	"github.com/bardlex/qminer/pkg/retry"
)

// DefaultWorkCache is how many assembled templates are kept for submission.
const DefaultWorkCache = 8

// Config configures a Client.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// Rounds is copied into every job built from a template.
	Rounds uint64
	// PayAddress receives the coinbase output. Empty pays to OP_TRUE.
	PayAddress string
	// Tag is embedded in the coinbase script after the height.
	Tag string
	// Params selects the address encoding for PayAddress.
	Params *chaincfg.Params
}

// Client fetches block templates and submits blocks.
type Client struct {
	node        Node
	cfg         Config
	payScript   []byte
	breaker     *circuit.Breaker
	retryConfig *retry.Config
	logger      *log.Logger
	extraNonce  atomic.Uint64

	mu    sync.Mutex
	works map[string]*work
	order []string
	// live is the job currently being mined. It survives eviction.
	live string
}

// Option customizes a Client.
type Option func(*Client)

// WithRetry replaces the retry policy for template requests.
func WithRetry(cfg *retry.Config) Option {
	return func(c *Client) { c.retryConfig = cfg }
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient connects to the node in HTTP POST mode with TLS disabled, the
// way a local node is normally exposed.
func NewClient(cfg Config, logger *log.Logger, opts ...Option) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	node, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRPC, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	c, err := NewWithNode(node, cfg, logger, opts...)
	if err != nil {
		node.Shutdown()
		return nil, err
	}
	return c, nil
}

// NewWithNode builds a Client around an existing Node connection.
func NewWithNode(node Node, cfg Config, logger *log.Logger, opts ...Option) (*Client, error) {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.Tag == "" {
		cfg.Tag = DefaultCoinbaseTag
	}
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent("rpc")

	pkScript, err := payoutScript(cfg.PayAddress, cfg.Params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "rpc_client_creation",
			"invalid pay address").
			WithContext("pay_address", cfg.PayAddress)
	}

	cbConfig := circuit.RPCConfig()
	cbConfig.OnStateChange = func(from, to circuit.State) {
		logger.Warn("node circuit breaker changed state", "from", from.String(), "to", to.String())
	}

	c := &Client{
		node:        node,
		cfg:         cfg,
		payScript:   pkScript,
		breaker:     circuit.New(cbConfig),
		retryConfig: retry.NetworkConfig(),
		logger:      logger,
		works:       make(map[string]*work),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close shuts down the underlying connection.
func (c *Client) Close() {
	c.node.Shutdown()
}

// Name implements submit.Sink.
func (c *Client) Name() string { return "rpc" }

// GetBlockTemplate retrieves a block template, retrying transient failures
// behind the circuit breaker.
func (c *Client) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{
				Mode:         "template",
				Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
				Rules:        []string{"segwit"},
			}

			tmpl, err := c.node.GetBlockTemplate(req)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeRPC, "get_block_template",
					"failed to retrieve block template from node")
			}
			return tmpl, nil
		})
	})
}

// GetJob implements source.JobSource. The returned template hashes the
// header without its nonce field and limits the nonce to 32 bits.
func (c *Client) GetJob(ctx context.Context) (*job.Template, error) {
	tmpl, err := c.GetBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}

	w, err := assemble(tmpl, c.cfg.Tag, c.extraNonce.Add(1), c.payScript)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRPC, "assemble_block",
			"failed to build block from template").
			WithContext("height", tmpl.Height)
	}

	prefix, err := headerPrefix(&w.block.Header)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "assemble_block", "failed to serialize header")
	}

	id := fmt.Sprintf("%d-%s", tmpl.Height, uuid.NewString()[:8])
	c.remember(id, w)

	return &job.Template{
		ID:         id,
		Header:     prefix,
		Target:     w.target,
		Rounds:     c.cfg.Rounds,
		NonceLimit: 1 << 32,
		Height:     tmpl.Height,
		Key:        fmt.Sprintf("%s:%d:%s", tmpl.PreviousHash, tmpl.Height, tmpl.Bits),
	}, nil
}

func (c *Client) remember(id string, w *work) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.works[id] = w
	c.order = append(c.order, id)
	for len(c.order) > DefaultWorkCache {
		i := 0
		if c.order[0] == c.live {
			i = 1
		}
		delete(c.works, c.order[i])
		c.order = append(c.order[:i], c.order[i+1:]...)
	}
}

// Published implements source.PublishObserver. The block of the published
// job stays cached until another job is published.
func (c *Client) Published(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = jobID
}

func (c *Client) lookup(id string) *work {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.works[id]
}

// Submit implements submit.Sink by submitting the full block for share.
// A reply from the node, including a rejection reason, is a definitive
// outcome. Transport failures are returned as retryable errors.
func (c *Client) Submit(ctx context.Context, share *job.Share) (submit.Outcome, error) {
	w := c.lookup(share.JobID)
	if w == nil {
		e := errors.New(errors.ErrorTypeSubmission, "submit_block", "no block template for job").
			WithContext("job_id", share.JobID)
		e.Retryable = false
		return submit.OutcomeUnreachable, e
	}
	if share.Nonce > 0xFFFFFFFF {
		e := errors.New(errors.ErrorTypeSubmission, "submit_block", "nonce exceeds header field").
			WithContext("nonce", share.Nonce)
		e.Retryable = false
		return submit.OutcomeUnreachable, e
	}

	block := withNonce(w.block, uint32(share.Nonce))

	outcome, err := circuit.ExecuteWithResult(ctx, c.breaker, func() (submit.Outcome, error) {
		err := c.node.SubmitBlock(btcutil.NewBlock(block), nil)
		if err == nil {
			c.logger.Info("block accepted",
				"hash", block.BlockHash().String(),
				"height", w.height,
				"nonce", share.Nonce)
			return submit.OutcomeAccepted, nil
		}

		if isTransportError(err) {
			return submit.OutcomeUnreachable, errors.Wrap(err, errors.ErrorTypeSubmission, "submit_block",
				"failed to reach node")
		}

		c.logger.Warn("block rejected",
			"hash", block.BlockHash().String(),
			"height", w.height,
			"reason", err.Error())
		return submit.OutcomeRejected, nil
	})
	if circuit.IsOpen(err) {
		return submit.OutcomeUnreachable, err
	}
	return outcome, err
}

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.breaker.Execute(ctx, func() error {
		if err := c.node.Ping(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "ping", "node did not answer")
		}
		return nil
	})
}

// WaitReady pings until the node answers or ctx ends.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	for {
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		c.logger.Warn("waiting for node", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// isTransportError separates "could not talk to the node" from "the node
// said no". submitblock reports rejections as a plain error carrying the
// reason string, and protocol errors as *btcjson.RPCError.
func isTransportError(err error) bool {
	var rpcErr *btcjson.RPCError
	if stderrors.As(err, &rpcErr) {
		return false
	}

	var netErr net.Error
	var urlErr *url.Error
	switch {
	case stderrors.As(err, &netErr), stderrors.As(err, &urlErr):
		return true
	case stderrors.Is(err, rpcclient.ErrClientShutdown),
		stderrors.Is(err, rpcclient.ErrClientNotConnected),
		stderrors.Is(err, rpcclient.ErrClientDisconnect):
		return true
	}
	return errors.IsRetryable(err)
}
