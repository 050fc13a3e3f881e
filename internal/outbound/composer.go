// Package outbound renders replies for a channel and sends them through the
// gateway with bounded retries.
package outbound

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

const ellipsis = "..."

// Composer splits or truncates reply text to fit a channel.
type Composer struct {
	smsLimit    int
	maxSegments int
	ussdLimit   int
}

// NewComposer creates a Composer from dispatch settings.
func NewComposer(cfg config.DispatchConfig) *Composer {
	c := &Composer{smsLimit: cfg.SMSLimit, maxSegments: cfg.SMSMaxSegments, ussdLimit: cfg.USSDLimit}
	if c.smsLimit <= 0 {
		c.smsLimit = 160
	}
	if c.maxSegments <= 0 {
		c.maxSegments = 4
	}
	if c.ussdLimit <= 0 {
		c.ussdLimit = 182
	}
	return c
}

// Compose returns the messages to send for text on channel. USSD always
// yields a single page.
func (c *Composer) Compose(channel, text string) []string {
	text = strings.TrimSpace(text)
	if channel == models.ChannelUSSD {
		return []string{truncate(text, c.ussdLimit)}
	}
	return c.segments(text)
}

// segments splits text into SMS parts of at most smsLimit characters, each
// suffixed with " (i/n)". Beyond maxSegments the last part is truncated.
func (c *Composer) segments(text string) []string {
	runes := []rune(text)
	if len(runes) <= c.smsLimit {
		return []string{text}
	}

	// The marker width depends on n, so split until the count is stable.
	n := 2
	var parts []string
	for {
		width := c.smsLimit - len(marker(n, n))
		parts = split(runes, width)
		if len(parts) <= n || n >= c.maxSegments {
			break
		}
		n = len(parts)
		if n > c.maxSegments {
			n = c.maxSegments
		}
	}

	if len(parts) > c.maxSegments {
		width := c.smsLimit - len(marker(c.maxSegments, c.maxSegments))
		parts = parts[:c.maxSegments]
		last := strings.Join([]string{parts[len(parts)-1], ellipsis}, "")
		if len([]rune(last)) > width {
			last = string([]rune(parts[len(parts)-1])[:width-len(ellipsis)]) + ellipsis
		}
		parts[len(parts)-1] = last
	}

	total := len(parts)
	out := make([]string, total)
	for i, p := range parts {
		out[i] = p + marker(i+1, total)
	}
	return out
}

func marker(i, n int) string {
	return fmt.Sprintf(" (%d/%d)", i, n)
}

// split breaks runes into chunks of at most width, preferring to break at
// whitespace in the second half of a chunk.
func split(runes []rune, width int) []string {
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= width {
			parts = append(parts, strings.TrimSpace(string(runes)))
			break
		}
		cut := width
		for i := width; i > width/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	return parts
}

// truncate caps text at limit characters, ending in "..." when cut.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
