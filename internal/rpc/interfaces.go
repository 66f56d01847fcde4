package rpc

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/qminer/internal/source"
	"github.com/bardlex/qminer/internal/submit"
)

// Node is the subset of the node's JSON-RPC API the miner relies on.
// *rpcclient.Client satisfies it; tests substitute a fake.
type Node interface {
	GetBlockTemplate(req *btcjson.TemplateRequest) (*btcjson.GetBlockTemplateResult, error)
	SubmitBlock(block *btcutil.Block, options *btcjson.SubmitBlockOptions) error
	Ping() error
	Shutdown()
}

// Compile-time interface checks
var (
	_ Node                   = (*rpcclient.Client)(nil)
	_ source.JobSource       = (*Client)(nil)
	_ source.PublishObserver = (*Client)(nil)
	_ submit.Sink            = (*Client)(nil)
)
