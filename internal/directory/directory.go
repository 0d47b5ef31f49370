package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrNoMarket is returned when the directory has no debt market to scan.
var ErrNoMarket = errors.New("directory: debt market not configured")

const defaultChunkSize = 50_000

// LogSource is the slice of the chain client the directory reads from.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BorrowersInRange(ctx context.Context, market common.Address, from, to uint64) ([]common.Address, error)
}

// Directory derives the borrower set from the debt market's Borrow history.
type Directory struct {
	source    LogSource
	market    common.Address
	chunkSize uint64
	logger    zerolog.Logger
}

// New constructs a Directory. chunkSize bounds the block window of each log query.
func New(source LogSource, market common.Address, chunkSize uint64, logger zerolog.Logger) *Directory {
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	return &Directory{
		source:    source,
		market:    market,
		chunkSize: chunkSize,
		logger:    logger.With().Str("component", "directory").Logger(),
	}
}

// Discover scans Borrow events from fromBlock to the chain head and returns every
// address that ever borrowed, without duplicates. Any transport failure aborts
// the scan; no partial set is returned.
func (d *Directory) Discover(ctx context.Context, fromBlock uint64) ([]common.Address, error) {
	if d.market == (common.Address{}) {
		return nil, ErrNoMarket
	}

	head, err := d.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}

	seen := make(map[common.Address]struct{})
	borrowers := make([]common.Address, 0)

	for start := fromBlock; start <= head; start += d.chunkSize {
		end := start + d.chunkSize - 1
		if end > head {
			end = head
		}

		batch, err := d.source.BorrowersInRange(ctx, d.market, start, end)
		if err != nil {
			return nil, err
		}
		for _, borrower := range batch {
			if _, ok := seen[borrower]; ok {
				continue
			}
			seen[borrower] = struct{}{}
			borrowers = append(borrowers, borrower)
		}

		if end == head {
			break
		}
	}

	d.logger.Info().
		Uint64("from_block", fromBlock).
		Uint64("head", head).
		Int("borrowers", len(borrowers)).
		Str("market", d.market.Hex()).
		Msg("borrowers discovered")
	return borrowers, nil
}
