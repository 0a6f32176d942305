package builder

import "fmt"

// Config tunes the builder. The zero value of every field means "no limit"
// or "off".
type Config struct {
	// MaxRWs caps the number of operations in a block.
	MaxRWs int `toml:"max_rws"`
	// ChainID overrides the block descriptor's chain id when non zero.
	ChainID uint64 `toml:"chain_id"`
	// WarmCoinbase pre-warms the coinbase account at the start of every
	// transaction (EIP-3651).
	WarmCoinbase bool `toml:"warm_coinbase"`
	// Parallelism bounds concurrent block builds in BuildBlocks.
	Parallelism int `toml:"parallelism"`
}

func DefaultConfig() Config {
	return Config{
		WarmCoinbase: true,
	}
}

func (c Config) Validate() error {
	if c.MaxRWs < 0 {
		return fmt.Errorf("max_rws must not be negative, got %d", c.MaxRWs)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	return nil
}
