// Package cmdchan implements the command channel (§4.8) used to signal
// SEEK, HAS_EOF and CLOSE between the main goroutine and a handle's
// dedicated reader goroutine.
//
// The design describes a coarse enum mutated under a shared mutex and
// condition variable, one in-flight command at a time, with a note
// (§9) that "a cleaner rendering is a message-passing channel carrying
// typed command variants ... with the reader returning a typed reply".
// This package is exactly that cleaner rendering: a single command
// channel and a single reply channel, each buffered one deep and carrying a typed
// value, which also sidesteps the design's documented inconsistency
// about which mutex protects fp->command (§9, last bullet) since there
// is no shared mutable field to protect in the first place.
package cmdchan

import "context"

// Kind enumerates the command/reply variants from §4.8.
type Kind int

const (
	None Kind = iota
	Seek
	SeekDone
	SeekFail
	HasEOF
	HasEOFDone
	Close
)

// Command is sent from the main goroutine to the reader goroutine.
type Command struct {
	Kind Kind
	UPos uint64 // target uncompressed offset, valid when Kind == Seek
}

// Reply is sent back from the reader goroutine once it has acted on a
// Command.
type Reply struct {
	Kind    Kind
	Err     error // valid when Kind == SeekFail
	Present bool  // valid when Kind == HasEOFDone
}

// Channel is a single command/reply pair shared between a handle's main
// goroutine and its reader goroutine.
type Channel struct {
	cmds  chan Command
	reply chan Reply
}

// New returns a ready-to-use Channel.
func New() *Channel {
	return &Channel{
		cmds:  make(chan Command, 1),
		reply: make(chan Reply, 1),
	}
}

// Send delivers cmd to whichever goroutine is receiving from Commands.
// It never blocks past a buffer of one pending command, matching the
// coarse "one in-flight command at a time" model.
func (c *Channel) Send(cmd Command) { c.cmds <- cmd }

// Commands exposes the receive side for the reader goroutine's select
// loop (§4.7: "after each dispatch the reader polls the command
// channel").
func (c *Channel) Commands() <-chan Command { return c.cmds }

// TryCommand performs the non-blocking poll the reader goroutine does
// between dispatches.
func (c *Channel) TryCommand() (Command, bool) {
	select {
	case cmd := <-c.cmds:
		return cmd, true
	default:
		return Command{}, false
	}
}

// Reply delivers r to whichever goroutine is waiting in WaitReply.
func (c *Channel) Reply(r Reply) { c.reply <- r }

// WaitReply blocks for the next reply, or returns ctx's error if it is
// cancelled first (used so a Close does not hang forever waiting on a
// reader that already exited).
func (c *Channel) WaitReply(ctx context.Context) (Reply, error) {
	select {
	case r := <-c.reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
