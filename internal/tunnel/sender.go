package tunnel

import (
	"fmt"
	"io"
)

// outboxSize bounds the upstream send queue. A full outbox blocks the
// session loop, which is the only backpressure between local readers and
// the link.
const outboxSize = 256

// sender serializes all upstream writes onto a single goroutine. The
// session enqueues complete handshake lines or encoded frames; a write
// error tears the session down.
type sender struct {
	outbox chan []byte
}

func newSender(s *Session, w io.Writer) *sender {
	snd := &sender{outbox: make(chan []byte, outboxSize)}
	go snd.loop(s, w)
	return snd
}

// loop is the single-writer goroutine. It exits when the session is done
// or the link refuses a write.
func (snd *sender) loop(s *Session, w io.Writer) {
	for {
		select {
		case buf := <-snd.outbox:
			if _, err := w.Write(buf); err != nil {
				s.fail(fmt.Errorf("upstream write: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// send enqueues bytes for the upstream link. It blocks while the outbox is
// full and returns silently once the session is torn down.
func (snd *sender) send(s *Session, buf []byte) {
	select {
	case snd.outbox <- buf:
	case <-s.done:
	}
}
