package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// ConsoleClient prints outbound messages instead of sending them. Used by
// `sy simulate` and local development.
type ConsoleClient struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleClient creates a ConsoleClient writing to out (default stdout).
func NewConsoleClient(out io.Writer) *ConsoleClient {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleClient{out: out}
}

// Send implements Client.
func (c *ConsoleClient) Send(ctx context.Context, phone, channel, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s -> %s]\n%s\n\n", channel, phone, text)
	return "console-" + uuid.NewString(), nil
}
