package dispatch

import (
	"context"
	"strconv"

	"github.com/rickgao/voice-bridge/internal/buffer"
)

type mailboxKind uint8

const (
	subscriptionMailbox mailboxKind = iota
	stateMailbox
)

// mailboxKey identifies a handler: a subscription serial or a state token.
type mailboxKey struct {
	kind mailboxKind
	id   int64
}

// String names the handler in logs: "sub:12" or "state:3".
func (k mailboxKey) String() string {
	prefix := "sub:"
	if k.kind == stateMailbox {
		prefix = "state:"
	}
	return prefix + strconv.FormatInt(k.id, 10)
}

type delivery struct {
	eventType string
	run       func(ctx context.Context) error
}

// mailbox is one handler's ordered delivery queue.
type mailbox struct {
	key   mailboxKey
	queue *buffer.Queue[delivery]
}
