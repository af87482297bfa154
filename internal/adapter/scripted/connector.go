// Package scripted provides a deterministic AI connector. It replays a fixed
// list of replies and can be told to fail, which makes it useful for demos and
// for exercising the retry and degradation paths without a model.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/port/aiconnector"
)

const connectorName = "scripted"

// ErrScripted is returned for every scripted failure.
var ErrScripted = errors.New("scripted failure")

func init() {
	aiconnector.Register(connectorName, func(s aiconnector.Settings) (aiconnector.Connector, error) {
		return FromSettings(s)
	})
}

// Connector replays replies in order, wrapping around at the end.
type Connector struct {
	mu       sync.Mutex
	replies  []string
	next     int
	failN    int // -1 fails forever
	attempts int
}

// New returns a connector replaying the given raw model replies. With no
// replies every decision is a wait.
func New(replies ...string) *Connector {
	return &Connector{replies: replies}
}

// FromSettings builds a connector from Extra["replies"] (one reply per line)
// and Extra["fail"] (a count of leading failures, or "always").
func FromSettings(s aiconnector.Settings) (*Connector, error) {
	var replies []string
	for _, line := range strings.Split(s.Extra["replies"], "\n") {
		if line = strings.TrimSpace(line); line != "" {
			replies = append(replies, line)
		}
	}
	c := New(replies...)

	switch fail := strings.TrimSpace(s.Extra["fail"]); fail {
	case "":
	case "always":
		c.failN = -1
	default:
		n, err := strconv.Atoi(fail)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("scripted: invalid fail count %q", fail)
		}
		c.failN = n
	}
	return c, nil
}

// FailFirst makes the next n attempts fail; n < 0 fails forever.
func (c *Connector) FailFirst(n int) {
	c.mu.Lock()
	c.failN = n
	c.mu.Unlock()
}

// Attempts returns how many times Decide was called.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Name returns "scripted".
func (c *Connector) Name() string { return connectorName }

// Decide returns the next scripted reply parsed against the available actions.
func (c *Connector) Decide(ctx context.Context, dc control.DecisionContext) (control.Action, error) {
	if err := ctx.Err(); err != nil {
		return control.Action{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if c.failN < 0 {
		return control.Action{}, ErrScripted
	}
	if c.failN > 0 {
		c.failN--
		return control.Action{}, ErrScripted
	}

	if len(c.replies) == 0 {
		return control.Action{Type: control.ActionWait, Reasoning: "scripted"}, nil
	}
	reply := c.replies[c.next%len(c.replies)]
	c.next++
	return control.ParseAction(reply, dc.AvailableActions), nil
}
