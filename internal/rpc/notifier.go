package rpc

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/qminer/pkg/log"
)

// TopicHashBlock is the node's ZMQ topic for new block hashes.
const TopicHashBlock = "hashblock"

const recvTimeout = 250 * time.Millisecond

// BlockNotifier subscribes to the node's hashblock ZMQ feed.
type BlockNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewBlockNotifier creates a SUB socket connected to endpoint and
// subscribed to hashblock.
func NewBlockNotifier(endpoint string, logger *log.Logger) (*BlockNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	n := &BlockNotifier{socket: socket, endpoint: endpoint, logger: logger.WithComponent("zmq")}

	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err := socket.SetSubscribe(TopicHashBlock); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", TopicHashBlock, err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	n.logger.Info("connected to ZMQ endpoint", "endpoint", endpoint, "topic", TopicHashBlock)
	return n, nil
}

// Run delivers each new block hash to onBlock until ctx is cancelled. The
// socket is polled with a receive timeout so cancellation is noticed
// promptly.
func (n *BlockNotifier) Run(ctx context.Context, onBlock func(chainhash.Hash)) error {
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := n.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			n.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		hash, ok, err := parseNotification(msg)
		if err != nil {
			n.logger.Warn("malformed ZMQ message", "error", err)
			continue
		}
		if !ok {
			continue
		}

		n.logger.Debug("new block notification", "hash", hash.String())
		onBlock(hash)
	}
}

// Close closes the socket.
func (n *BlockNotifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}

// parseNotification decodes a multipart [topic, body, seq] message. The
// body is the block hash in display byte order. ok is false for topics
// other than hashblock.
func parseNotification(msg [][]byte) (hash chainhash.Hash, ok bool, err error) {
	if len(msg) < 2 {
		return hash, false, fmt.Errorf("expected at least 2 parts, got %d", len(msg))
	}
	if string(msg[0]) != TopicHashBlock {
		return hash, false, nil
	}

	body := msg[1]
	if len(body) != chainhash.HashSize {
		return hash, false, fmt.Errorf("invalid block hash length: %d", len(body))
	}
	for i := range body {
		hash[chainhash.HashSize-1-i] = body[i]
	}
	return hash, true, nil
}
