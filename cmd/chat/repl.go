package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	chatService "github.com/zhouzirui/z-tavern/chatstream/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/stream"
)

type repl struct {
	coord *chatService.Coordinator

	outMu sync.Mutex
	out   io.Writer
}

func newREPL(coord *chatService.Coordinator, out io.Writer) *repl {
	return &repl{coord: coord, out: out}
}

// run reads lines until EOF, /quit or ctx cancellation. At EOF it lets the
// running reply finish so piped input gets its answer.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			r.coord.Cancel()
			return nil
		case line, ok := <-lines:
			if !ok {
				if s := r.coord.Active(); s != nil {
					_ = s.Wait(ctx)
				}
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if r.handleLine(ctx, line) {
				return nil
			}
		}
	}
}

// handleLine executes one input line and reports whether the client should exit.
func (r *repl) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}

	if !strings.HasPrefix(text, "/") {
		if _, err := r.coord.Submit(ctx, text, r.callbacks()); err != nil {
			r.printf("! %v\n", err)
		}
		return false
	}

	switch strings.ToLower(text) {
	case "/quit", "/exit":
		r.coord.Cancel()
		return true
	case "/stop":
		r.coord.Cancel()
	case "/retry":
		if _, err := r.coord.Retry(ctx, r.callbacks()); err != nil {
			r.printf("! %v\n", err)
		}
	case "/history":
		r.printHistory()
	case "/clear":
		r.coord.Reset()
		r.printf("conversation cleared\n")
	default:
		r.printf("! unknown command %s (try /stop, /retry, /history, /clear, /quit)\n", text)
	}
	return false
}

func (r *repl) callbacks() stream.Callbacks {
	return stream.Callbacks{
		OnDelta: func(text string) {
			r.printf("%s", text)
		},
		OnComplete: func(string) {
			r.printf("\n")
		},
		OnError: func(err error) {
			r.printf("\n! reply failed: %v\n", err)
		},
		OnCancelled: func() {
			r.printf(" [stopped]\n")
		},
	}
}

func (r *repl) printHistory() {
	turns := r.coord.History()
	if len(turns) == 0 {
		r.printf("(no messages yet)\n")
		return
	}
	for _, turn := range turns {
		r.printf("%s: %s\n", turn.Role, turn.Content)
	}
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
