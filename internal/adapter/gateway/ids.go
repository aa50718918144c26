package gateway

import (
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGenerator hands out request ids of the form "<counter>-<ULID>". The
// counter keeps ids unique within a process; the ULID keeps them unique
// across reconnects and processes sharing one Gateway.
type idGenerator struct {
	mu      sync.Mutex
	counter uint64
	entropy io.Reader
}

func newIDGenerator() *idGenerator {
	return &idGenerator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (g *idGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.counter++
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return strconv.FormatUint(g.counter, 10) + "-" + id.String()
}
