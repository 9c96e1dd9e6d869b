package render

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/cmdchat/cmdchat-go/protocol"
)

// JSON emits one JSON object per envelope, for piping into other tools.
// Status lines and Clear are no-ops.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSON writes newline-delimited JSON to out.
func NewJSON(out io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(out)}
}

func (j *JSON) Render(env *protocol.Envelope) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(env)
}

func (j *JSON) Status(string) {}

func (j *JSON) Clear() {}
