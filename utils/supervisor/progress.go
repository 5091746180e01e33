package supervisor

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flowctl/flowctl/utils/status"
	"golang.org/x/term"
)

// progressMonitor prints a single carriage-return-terminated status
// line every tick, adapted from the teacher's terminal spinner
// (utils/processor/spinner.go) to read a status.Board snapshot instead
// of animating a fixed glyph sequence.
type progressMonitor struct {
	board *status.Board
	stop  chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
}

func newProgressMonitor(board *status.Board) *progressMonitor {
	return &progressMonitor{board: board, stop: make(chan struct{})}
}

// Start launches the monitor worker unconditionally. On a TTY it
// rewrites a single carriage-return-terminated line in place; when
// stdout is not a terminal (piped, redirected to a file, CI) there is
// nothing to rewrite, so it prints one newline-terminated line per
// tick instead.
func (m *progressMonitor) Start() {
	tty := isTerminalStdout()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				if tty {
					fmt.Printf("\r%s\n", m.render())
				} else {
					fmt.Println(m.render())
				}
				return
			case <-ticker.C:
				if tty {
					fmt.Printf("\r%s", m.render())
				} else {
					fmt.Println(m.render())
				}
			}
		}
	}()
}

func (m *progressMonitor) Stop() {
	m.mu.Lock()
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *progressMonitor) render() string {
	names, counts, finished, total := m.board.Snapshot()

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%q", fmt.Sprintf("%s: %d", name, counts[i]))
	}

	return fmt.Sprintf("%s | %d/%d", strings.Join(parts, " -> "), finished, total)
}

func isTerminalStdout() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
