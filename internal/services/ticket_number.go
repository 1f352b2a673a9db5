package services

import (
	"fmt"
	"math/rand"

	"famfin/support-service/internal/utils"
)

// TicketNumberGenerator mints "#YYYYMMDD-NNNN" numbers. The random suffix
// makes collisions unlikely, not impossible; the store's unique index on
// ticket numbers is what actually guarantees uniqueness and the manager
// retries on a collision.
type TicketNumberGenerator struct {
	clock  utils.Clock
	suffix func() int
}

func NewTicketNumberGenerator(clock utils.Clock) *TicketNumberGenerator {
	return &TicketNumberGenerator{
		clock:  clock,
		suffix: func() int { return rand.Intn(10000) },
	}
}

func (g *TicketNumberGenerator) Next() string {
	return fmt.Sprintf("#%s-%04d", g.clock.Now().UTC().Format("20060102"), g.suffix())
}
