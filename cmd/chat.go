package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/gateway"
	"github.com/nextlevelbuilder/replydesk/internal/scheduler"
)

const chatChannel = "cli"

func chatCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal through the same scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			sender := newConsoleSender(os.Stdout)
			svc, err := buildServices(ctx, cfg, sender)
			if err != nil {
				return err
			}
			defer svc.close()

			consumer := gateway.NewConsumer(gateway.Deps{
				Bus:        bus.New(),
				Scheduler:  svc.scheduler,
				Sender:     sender,
				Gate:       svc.gate,
				Rebuilder:  svc.rebuilder,
				Searcher:   svc.retriever,
				ContextLog: svc.contextLog,
				Roles:      cfg.Roles,
			})

			fmt.Fprintf(os.Stderr, "replydesk chat as %s:%s (debounce %s)\n", chatChannel, user, cfg.Debounce())
			fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, /help for commands\n\n")
			return runChat(ctx, os.Stdin, consumer, svc.scheduler, user)
		},
	}
	cmd.Flags().StringVar(&user, "user", "local", "sender id used for roles and history")
	return cmd
}

// runChat feeds every line from in to the consumer, then flushes whatever
// is still buffered before stopping the scheduler.
func runChat(ctx context.Context, in io.Reader, consumer *gateway.Consumer, sched *scheduler.Scheduler, user string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sched.Stop()
	go sched.Run(runCtx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			line = strings.TrimSpace(line)
			if line == "exit" || line == "quit" {
				break loop
			}
			consumer.Handle(ctx, bus.InboundMessage{
				Channel:  chatChannel,
				SenderID: user,
				ChatID:   user,
				Content:  line,
			})
		}
	}

	drainUser(ctx, sched, chatChannel+":"+user)
	consumer.Wait()
	return nil
}

// drainUser flushes buffered messages now instead of waiting out the
// debounce window, retrying while a timer-started flush holds the lock.
func drainUser(ctx context.Context, sched *scheduler.Scheduler, userID string) {
	for ctx.Err() == nil {
		sched.Flush(ctx, userID)
		if len(sched.Pending(userID)) == 0 && !sched.Flushing(userID) {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// consoleSender prints replies to a terminal.
type consoleSender struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleSender(out io.Writer) *consoleSender {
	return &consoleSender{out: out}
}

func (s *consoleSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "\n%s\n\n", msg.Content)
	return err
}

func (s *consoleSender) SendTyping(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.out, "...")
	return err
}
