package tracer

import (
	"fmt"
	"io"
	"math/big"
	"strings"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/common/hexutil"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// opByName maps the names struct loggers print back to opcodes. Older
// tracers use the pre-rename mnemonics, so those are accepted as aliases.
var opByName = func() map[string]vm.OpCode {
	m := make(map[string]vm.OpCode, 300)
	for i := 0; i < 256; i++ {
		op := vm.OpCode(i)
		m[op.String()] = op
	}
	m["SHA3"] = vm.KECCAK256
	m["SUICIDE"] = vm.SELFDESTRUCT
	m["PREVRANDAO"] = vm.DIFFICULTY
	m["RANDOM"] = vm.DIFFICULTY
	m["DIFFICULTY"] = vm.DIFFICULTY
	return m
}()

// ParseOpCode resolves an opcode mnemonic as found in a struct log.
func ParseOpCode(name string) (vm.OpCode, error) {
	op, ok := opByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown opcode %q", ErrTraceMalformed, name)
	}
	return op, nil
}

type structLogJSON struct {
	Pc      uint64            `json:"pc"`
	Op      string            `json:"op"`
	Gas     uint64            `json:"gas"`
	GasCost uint64            `json:"gasCost"`
	Depth   int               `json:"depth"`
	Error   string            `json:"error,omitempty"`
	Stack   []string          `json:"stack"`
	Memory  []string          `json:"memory"`
	MemSize *int              `json:"memSize,omitempty"`
	Storage map[string]string `json:"storage"`
	Refund  uint64            `json:"refund"`
}

type txTraceJSON struct {
	Gas         uint64          `json:"gas"`
	Failed      bool            `json:"failed"`
	ReturnValue string          `json:"returnValue"`
	StructLogs  []structLogJSON `json:"structLogs"`
}

type txJSON struct {
	From     libcommon.Address  `json:"from"`
	To       *libcommon.Address `json:"to"`
	Value    *hexutil.Big       `json:"value"`
	Gas      hexutil.Uint64     `json:"gas"`
	GasPrice *hexutil.Big       `json:"gasPrice"`
	Input    hexutil.Bytes      `json:"input"`
	Nonce    hexutil.Uint64     `json:"nonce"`
	Trace    txTraceJSON        `json:"trace"`
}

type accountJSON struct {
	Balance *hexutil.Big      `json:"balance"`
	Nonce   hexutil.Uint64    `json:"nonce"`
	Code    hexutil.Bytes     `json:"code"`
	Storage map[string]string `json:"storage"`
}

type blockJSON struct {
	Number    hexutil.Uint64    `json:"number"`
	Timestamp hexutil.Uint64    `json:"timestamp"`
	BaseFee   *hexutil.Big      `json:"baseFeePerGas"`
	Coinbase  libcommon.Address `json:"miner"`
	GasLimit  hexutil.Uint64    `json:"gasLimit"`
	ChainID   hexutil.Uint64    `json:"chainId"`
}

type blockTraceJSON struct {
	Block        blockJSON                         `json:"block"`
	Prestate     map[libcommon.Address]accountJSON `json:"prestate"`
	Transactions []txJSON                          `json:"transactions"`
}

// LoadBlockTrace decodes a block trace document: the block header fields,
// the prestate of touched accounts and every transaction with its
// debug_traceTransaction struct logs.
func LoadBlockTrace(r io.Reader) (*BlockTrace, error) {
	var raw blockTraceJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode block trace: %w", err)
	}

	bt := &BlockTrace{
		Block: BlockDescriptor{
			Number:    uint64(raw.Block.Number),
			Timestamp: uint64(raw.Block.Timestamp),
			Coinbase:  raw.Block.Coinbase,
			GasLimit:  uint64(raw.Block.GasLimit),
			ChainID:   uint64(raw.Block.ChainID),
		},
		Prestate: make(map[libcommon.Address]*Account, len(raw.Prestate)),
	}
	if err := setBig(&bt.Block.BaseFee, raw.Block.BaseFee); err != nil {
		return nil, fmt.Errorf("block base fee: %w", err)
	}

	for addr, acc := range raw.Prestate {
		account := &Account{
			Nonce:   uint64(acc.Nonce),
			Code:    acc.Code,
			Storage: make(map[libcommon.Hash]libcommon.Hash, len(acc.Storage)),
		}
		if err := setBig(&account.Balance, acc.Balance); err != nil {
			return nil, fmt.Errorf("prestate %x balance: %w", addr, err)
		}
		for k, v := range acc.Storage {
			account.Storage[libcommon.HexToHash(k)] = libcommon.HexToHash(v)
		}
		bt.Prestate[addr] = account
	}

	for i := range raw.Transactions {
		tx, err := decodeTx(&raw.Transactions[i])
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		bt.Transactions = append(bt.Transactions, *tx)
	}
	return bt, nil
}

// LoadTxTrace decodes a single debug_traceTransaction result.
func LoadTxTrace(r io.Reader) (*TxTrace, error) {
	var raw txTraceJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	return decodeTrace(&raw)
}

func decodeTx(raw *txJSON) (*Transaction, error) {
	tx := &Transaction{
		TxDescriptor: TxDescriptor{
			From:     raw.From,
			To:       raw.To,
			GasLimit: uint64(raw.Gas),
			CallData: raw.Input,
			Nonce:    uint64(raw.Nonce),
		},
	}
	if err := setBig(&tx.Value, raw.Value); err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	if err := setBig(&tx.GasPrice, raw.GasPrice); err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	trace, err := decodeTrace(&raw.Trace)
	if err != nil {
		return nil, err
	}
	tx.Trace = *trace
	return tx, nil
}

func decodeTrace(raw *txTraceJSON) (*TxTrace, error) {
	trace := &TxTrace{
		Gas:        raw.Gas,
		Failed:     raw.Failed,
		StructLogs: make([]ExecStep, 0, len(raw.StructLogs)),
	}
	if raw.ReturnValue != "" {
		ret, err := decodeHex(raw.ReturnValue)
		if err != nil {
			return nil, fmt.Errorf("return value: %w", err)
		}
		trace.ReturnValue = ret
	}
	for i := range raw.StructLogs {
		step, err := decodeStep(&raw.StructLogs[i])
		if err != nil {
			return nil, fmt.Errorf("struct log %d: %w", i, err)
		}
		trace.StructLogs = append(trace.StructLogs, *step)
	}
	return trace, nil
}

func decodeStep(raw *structLogJSON) (*ExecStep, error) {
	op, err := ParseOpCode(raw.Op)
	if err != nil {
		return nil, err
	}
	step := &ExecStep{
		PC:      raw.Pc,
		Op:      op,
		Gas:     raw.Gas,
		GasCost: raw.GasCost,
		Depth:   raw.Depth,
		Refund:  raw.Refund,
		Error:   raw.Error,
		Stack:   make(Stack, len(raw.Stack)),
	}
	for i, word := range raw.Stack {
		v, ok := new(big.Int).SetString(strings.TrimPrefix(word, "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("%w: stack item %d: bad word %q", ErrTraceMalformed, i, word)
		}
		if overflow := step.Stack[i].SetFromBig(v); overflow {
			return nil, fmt.Errorf("%w: stack item %d overflows 256 bits", ErrTraceMalformed, i)
		}
	}
	if len(raw.Memory) > 0 {
		step.Memory = make(Memory, 0, 32*len(raw.Memory))
		for i, word := range raw.Memory {
			b, err := decodeHex(word)
			if err != nil || len(b) != 32 {
				return nil, fmt.Errorf("%w: memory word %d: %q", ErrTraceMalformed, i, word)
			}
			step.Memory = append(step.Memory, b...)
		}
	}
	step.MemorySize = len(step.Memory)
	if raw.MemSize != nil {
		step.MemorySize = *raw.MemSize
	}
	if raw.Storage != nil {
		step.Storage = make(map[libcommon.Hash]libcommon.Hash, len(raw.Storage))
		for k, v := range raw.Storage {
			step.Storage[libcommon.HexToHash(k)] = libcommon.HexToHash(v)
		}
	}
	return step, step.Validate()
}

func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	if s == "0x" {
		return nil, nil
	}
	return hexutil.Decode(s)
}

func setBig(dst *uint256.Int, v *hexutil.Big) error {
	if v == nil {
		dst.Clear()
		return nil
	}
	if overflow := dst.SetFromBig(v.ToInt()); overflow {
		return fmt.Errorf("value %s overflows 256 bits", v.String())
	}
	return nil
}
