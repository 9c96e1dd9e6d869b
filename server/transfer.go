package server

import (
	"fmt"

	"github.com/cmdchat/cmdchat-go/chaterrors"
)

// transfer tracks one inbound file relay. The server never holds chunk
// content; the accumulator only enforces the size bound and chunk order.
type transfer struct {
	id          string
	filename    string
	declared    int64
	received    int64
	nextIndex   int
	totalChunks int
}

// transferTable is the per-session set of active transfers. It is owned
// by the session's reader task.
type transferTable struct {
	maxBytes  int64
	maxActive int
	active    map[string]*transfer
}

func newTransferTable(maxBytes int64, maxActive int) *transferTable {
	return &transferTable{
		maxBytes:  maxBytes,
		maxActive: maxActive,
		active:    make(map[string]*transfer),
	}
}

// Start registers a new transfer after validating the declared size.
func (t *transferTable) Start(id, filename string, size int64, totalChunks int) error {
	if id == "" || size < 0 || totalChunks <= 0 {
		return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferUnknown,
			fmt.Errorf("bad transfer declaration: size=%d chunks=%d", size, totalChunks))
	}
	if size > t.maxBytes {
		return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferOversize,
			fmt.Errorf("declared size %d exceeds limit %d", size, t.maxBytes))
	}
	if _, dup := t.active[id]; dup {
		return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferUnknown,
			fmt.Errorf("duplicate transfer id %q", id))
	}
	if len(t.active) >= t.maxActive {
		return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferOverflow,
			fmt.Errorf("too many concurrent transfers (%d)", len(t.active)))
	}
	t.active[id] = &transfer{id: id, filename: filename, declared: size, totalChunks: totalChunks}
	return nil
}

// Chunk accounts for one chunk of n raw bytes. Indices must arrive in
// strict order starting at zero; a violation is fatal to the session.
// done reports that this was the final chunk, in which case the transfer
// is removed from the table.
func (t *transferTable) Chunk(id string, index, n int) (tr *transfer, done bool, err error) {
	tr, ok := t.active[id]
	if !ok {
		return nil, false, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferUnknown,
			fmt.Errorf("chunk for unknown transfer %q", id))
	}
	if index != tr.nextIndex {
		return tr, false, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferOutOfOrder,
			fmt.Errorf("transfer %q: chunk index %d, expected %d", id, index, tr.nextIndex))
	}
	tr.received += int64(n)
	if tr.received > t.maxBytes || tr.received > tr.declared {
		return tr, false, chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferOversize,
			fmt.Errorf("transfer %q: received %d bytes, declared %d", id, tr.received, tr.declared))
	}
	tr.nextIndex++
	if tr.nextIndex == tr.totalChunks {
		delete(t.active, id)
		return tr, true, nil
	}
	return tr, false, nil
}

// End handles an explicit end marker from the client. A marker for a
// transfer already completed by its final chunk is ignored; one for an
// incomplete transfer is a protocol violation.
func (t *transferTable) End(id string) error {
	tr, ok := t.active[id]
	if !ok {
		return nil
	}
	delete(t.active, id)
	return chaterrors.Wrap(chaterrors.ScopeSession, chaterrors.KindTransfer, chaterrors.CodeTransferOutOfOrder,
		fmt.Errorf("transfer %q ended after %d of %d chunks", id, tr.nextIndex, tr.totalChunks))
}

// Len reports the number of in-flight transfers.
func (t *transferTable) Len() int { return len(t.active) }
