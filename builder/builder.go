// Package builder turns struct-log traces into a block witness: every
// executed step is mapped to the elementary state accesses it implies, each
// stamped with a block wide read-write counter.
package builder

import (
	"context"
	"fmt"
	"time"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/erigon-lib/metrics"
	"github.com/erigontech/erigon/core/tracing"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/statedb"
	"erigon-bus-mapping/tracer"
)

var (
	mxBlocksBuilt   = metrics.GetOrCreateCounter("bus_mapping_blocks_built")
	mxBuildFailures = metrics.GetOrCreateCounter("bus_mapping_build_failures")
	mxBuildTook     = metrics.GetOrCreateSummary("bus_mapping_block_build_seconds")
)

// OperationsCounter returns the counter of operations emitted for target.
func OperationsCounter(target operation.Target) metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`bus_mapping_operations{target="%s"}`, target))
}

// StateDB is the world state the builder reads from and keeps in step with
// the writes it emits. statedb.StateDB is the in-memory implementation.
type StateDB interface {
	GetBalance(addr libcommon.Address) (*uint256.Int, error)
	SetBalance(addr libcommon.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) error
	GetNonce(addr libcommon.Address) (uint64, error)
	SetNonce(addr libcommon.Address, nonce uint64) error
	GetCode(addr libcommon.Address) ([]byte, error)
	SetCode(addr libcommon.Address, code []byte) error
	GetCodeHash(addr libcommon.Address) (libcommon.Hash, error)

	GetState(addr libcommon.Address, key *libcommon.Hash, value *uint256.Int) error
	SetState(addr libcommon.Address, key *libcommon.Hash, value uint256.Int) error
	GetCommittedState(addr libcommon.Address, key *libcommon.Hash, value *uint256.Int) error
	GetTransientState(addr libcommon.Address, key libcommon.Hash) uint256.Int
	SetTransientState(addr libcommon.Address, key libcommon.Hash, value uint256.Int)
	SetRefund(gas uint64)

	AddAddressToAccessList(addr libcommon.Address) bool
	AddSlotToAccessList(addr libcommon.Address, slot libcommon.Hash) (addrAdded, slotAdded bool)
	AddressInAccessList(addr libcommon.Address) bool
	SlotInAccessList(addr libcommon.Address, slot libcommon.Hash) (addressOk, slotOk bool)
	RemoveAddressFromAccessList(addr libcommon.Address)
	RemoveSlotFromAccessList(addr libcommon.Address, slot libcommon.Hash)
	FinaliseTx()
}

var _ StateDB = (*statedb.StateDB)(nil)

type buildState uint8

const (
	stateBeforeBlock buildState = iota
	stateBeforeTx
	stateInTx
	stateAfterTx
	stateFinalized
	stateFailed
)

func (s buildState) String() string {
	switch s {
	case stateBeforeBlock:
		return "BeforeBlock"
	case stateBeforeTx:
		return "BeforeTx"
	case stateInTx:
		return "InTx"
	case stateAfterTx:
		return "AfterTx"
	case stateFinalized:
		return "Finalized"
	case stateFailed:
		return "Failed"
	}
	return fmt.Sprintf("buildState(%d)", uint8(s))
}

// Builder assembles the witness of one block, one transaction at a time.
// It is not safe for concurrent use. The first error poisons it: every
// later call returns that error and no Block is produced.
type Builder struct {
	cfg    Config
	sdb    StateDB
	block  *Block
	state  buildState
	err    error
	start  time.Time
	logger log.Logger
}

// New starts a block. A nil state starts from an empty world, a nil logger
// logs to the root logger.
func New(cfg Config, desc tracer.BlockDescriptor, sdb StateDB, logger log.Logger) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sdb == nil {
		sdb = statedb.New()
	}
	if logger == nil {
		logger = log.Root()
	}
	chainID := desc.ChainID
	if cfg.ChainID != 0 {
		chainID = cfg.ChainID
	}
	return &Builder{
		cfg: cfg,
		sdb: sdb,
		block: &Block{
			Number:    desc.Number,
			Timestamp: desc.Timestamp,
			BaseFee:   desc.BaseFee,
			Coinbase:  desc.Coinbase,
			GasLimit:  desc.GasLimit,
			ChainID:   chainID,
			Container: operation.NewContainer(),
		},
		state:  stateBeforeBlock,
		start:  time.Now(),
		logger: logger.New("block", desc.Number),
	}, nil
}

func (b *Builder) expect(states ...buildState) error {
	if b.err != nil {
		return b.err
	}
	for _, s := range states {
		if b.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrBuilderState, b.state)
}

func (b *Builder) transition(from, to buildState) error {
	if err := b.expect(from); err != nil {
		return err
	}
	b.state = to
	return nil
}

func (b *Builder) fail(err error) error {
	if b.err == nil {
		b.err = err
		b.state = stateFailed
		mxBuildFailures.Inc()
		b.logger.Warn("[bus-mapping] block build failed", "err", err)
	}
	return b.err
}

// Err returns the error that poisoned the builder, if any.
func (b *Builder) Err() error { return b.err }

// NewTx registers the next transaction and returns the state handlers run
// against. It must be followed by BeginTx, HandleStep for every step and
// EndTx.
func (b *Builder) NewTx(desc *tracer.TxDescriptor, trace *tracer.TxTrace) (*CircuitInputStateRef, error) {
	if err := b.expect(stateBeforeBlock, stateAfterTx); err != nil {
		return nil, err
	}
	b.state = stateBeforeTx
	index := len(b.block.Txs)
	tx := &Transaction{
		Index:    index,
		ID:       index + 1,
		From:     desc.From,
		To:       desc.To,
		Value:    desc.Value,
		GasLimit: desc.GasLimit,
		GasPrice: desc.GasPrice,
		CallData: desc.CallData,
		Nonce:    desc.Nonce,
	}
	return &CircuitInputStateRef{
		builder: b,
		cfg:     &b.cfg,
		sdb:     b.sdb,
		block:   b.block,
		tx:      tx,
		txCtx:   newTransactionContext(trace),
		logger:  b.logger,
	}, nil
}

// HandleTx builds a whole transaction.
func (b *Builder) HandleTx(desc *tracer.TxDescriptor, trace *tracer.TxTrace) error {
	s, err := b.NewTx(desc, trace)
	if err != nil {
		return err
	}
	if err := s.BeginTx(); err != nil {
		return err
	}
	for i := range trace.StructLogs {
		if err := s.HandleStep(i); err != nil {
			return err
		}
	}
	if n := len(trace.StructLogs); n > 0 && len(s.txCtx.frames) != 0 {
		err := fmt.Errorf("%w: trace ends with %d call frames open", ErrCallDepthInconsistent, len(s.txCtx.frames))
		return b.fail(&StepError{TxIndex: s.tx.Index, Kind: StepOpcode, StepIndex: n - 1, Op: trace.StructLogs[n-1].Op, Err: err})
	}
	return s.EndTx()
}

// Finalize seals the block. It returns the first build error instead when
// the builder failed.
func (b *Builder) Finalize() (*Block, error) {
	if err := b.expect(stateBeforeBlock, stateAfterTx); err != nil {
		return nil, err
	}
	b.state = stateFinalized
	counts := b.block.Container.Counts()
	for target, n := range counts {
		OperationsCounter(target).AddInt(n)
	}
	mxBlocksBuilt.Inc()
	mxBuildTook.ObserveDuration(b.start)
	b.logger.Info("[bus-mapping] block built", "txs", len(b.block.Txs), "ops", b.block.Container.Len(), "took", time.Since(b.start))
	return b.block, nil
}

// BuildBlock builds the witness of a block trace over its prestate.
func BuildBlock(cfg Config, bt *tracer.BlockTrace, logger log.Logger) (*Block, error) {
	b, err := New(cfg, bt.Block, statedb.FromPrestate(bt.Prestate), logger)
	if err != nil {
		return nil, err
	}
	for i := range bt.Transactions {
		tx := &bt.Transactions[i]
		if err := b.HandleTx(&tx.TxDescriptor, &tx.Trace); err != nil {
			return nil, err
		}
	}
	return b.Finalize()
}

// BuildBlocks builds independent blocks concurrently, at most
// cfg.Parallelism at a time. Blocks share nothing: each gets its own state
// and container. The first failure cancels blocks not yet started.
func BuildBlocks(ctx context.Context, cfg Config, traces []*tracer.BlockTrace, logger log.Logger) ([]*Block, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	blocks := make([]*Block, len(traces))
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Parallelism > 0 {
		g.SetLimit(cfg.Parallelism)
	}
	for i, bt := range traces {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			block, err := BuildBlock(cfg, bt, logger)
			if err != nil {
				return fmt.Errorf("block %d: %w", bt.Block.Number, err)
			}
			blocks[i] = block
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}
