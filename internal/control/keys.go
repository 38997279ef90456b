package control

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// RefreshFunc is called when a key requests a view refresh.
type RefreshFunc func()

// Input routes key presses to a Queue.
type Input struct {
	Keys    KeyMap
	Queue   *Queue
	Refresh RefreshFunc
}

// HandleKey applies one key press and reports whether it did anything.
func (in Input) HandleKey(key string) bool {
	cmd, action := in.Keys.Command(key)
	switch action {
	case ActionCommand:
		in.Queue.Push(cmd)
		return true
	case ActionRefresh:
		if in.Refresh != nil {
			in.Refresh()
		}
		return true
	}
	return false
}

// ReadKeys reads one key name per line from r (for example a terminal in
// line mode, where "up" or "a" is typed and followed by Enter) until r is
// exhausted or ctx is done. Unknown keys are ignored.
func (in Input) ReadKeys(ctx context.Context, r io.Reader) error {
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, key := range strings.Fields(scan.Text()) {
			in.HandleKey(key)
		}
	}
	return scan.Err()
}
