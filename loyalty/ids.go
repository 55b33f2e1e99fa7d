/*
ids.go - Record id generation

PURPOSE:
  Hands out int64 ids for users, transactions, events and promotions.
  Production uses a snowflake node so ids are time-ordered and unique
  across processes; tests use a plain counter.

SEE ALSO:
  - ledger.go: WithIDs option
  - config/config.go: ledger.snowflake_node
*/
package loyalty

import (
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator hands out monotonically increasing ids for new records.
type IDGenerator interface {
	NextID() int64
}

// SnowflakeIDs generates time-ordered ids from a snowflake node.
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates a generator for node (0-1023). Each process
// writing to the same store needs its own node number.
func NewSnowflakeIDs(node int64) (*SnowflakeIDs, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, err
	}
	return &SnowflakeIDs{node: n}, nil
}

func (s *SnowflakeIDs) NextID() int64 { return s.node.Generate().Int64() }

// SequenceIDs counts up from 1. Handy for tests and single-process demos.
type SequenceIDs struct {
	last atomic.Int64
}

func (s *SequenceIDs) NextID() int64 { return s.last.Add(1) }
