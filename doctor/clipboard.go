package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/atotto/clipboard"
)

// checkClipboard verifies the copy key will work. Failure only disables that
// key, so it is reported as a warning.
func checkClipboard(_ context.Context, _ *env) result {
	if clipboard.Unsupported {
		return warnf("no clipboard utility found (install xclip, xsel or wl-clipboard)")
	}

	prev, _ := clipboard.ReadAll()
	testStr := fmt.Sprintf("livescribe-doctor-%d", time.Now().UnixNano())

	type cbResult struct {
		readback string
		err      error
		phase    string
	}
	ch := make(chan cbResult, 1)
	go func() {
		if err := clipboard.WriteAll(testStr); err != nil {
			ch <- cbResult{err: err, phase: "write"}
			return
		}
		got, err := clipboard.ReadAll()
		if err != nil {
			ch <- cbResult{err: err, phase: "read"}
			return
		}
		ch <- cbResult{readback: got}
	}()

	select {
	case res := <-ch:
		if prev != "" {
			clipboard.WriteAll(prev)
		}
		if res.err != nil {
			return warnf("clipboard %s failed: %v", res.phase, res.err)
		}
		if res.readback != testStr {
			return warnf("clipboard mismatch: wrote %q, got %q", testStr, res.readback)
		}
		return passf("clipboard write/read verified")
	case <-time.After(3 * time.Second):
		return warnf("clipboard timed out (clipboard tool hung, compositor not accessible?)")
	}
}
