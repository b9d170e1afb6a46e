package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docker/agent-session-engine/pkg/httpclient"
)

const (
	minTimeout     = 1 * time.Second
	maxTimeout     = 300 * time.Second
	defaultTimeout = 30 * time.Second
)

// Client dispatches hook events to registered webhooks and aggregates
// their responses per the event-aware failure semantics in spec §4.4.
type Client struct {
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{httpClient: httpclient.NewHTTPClient(), log: log}
}

// matchTool reports whether a registration's matcher covers toolName.
// An empty matcher matches everything, mirroring the teacher's
// compiledMatcher convention ("" or "*" means all tools).
func matchTool(matcher, toolName string) bool {
	if matcher == "" || matcher == "*" {
		return true
	}
	re, err := regexp.Compile("^(?:" + matcher + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(toolName)
}

// Dispatch sends payload to every registration whose matcher covers the
// payload's tool name, in parallel, and aggregates the responses.
//
// For PreToolUse, any failure (timeout, transport error, non-2xx,
// invalid JSON) collapses the whole dispatch to DecisionDeny — this is
// the approval gate and the only safe default. For every other event,
// the same failures collapse to DecisionAllow, since blocking on an
// observational webhook would make the system brittle to its outages.
func (c *Client) Dispatch(ctx context.Context, regs []Registration, payload Payload) Result {
	var matching []Registration
	for _, r := range regs {
		if payload.Event == EventPreToolUse || payload.Event == EventPostToolUse {
			if !matchTool(r.Matcher, payload.ToolName) {
				continue
			}
		}
		matching = append(matching, r)
	}

	if len(matching) == 0 {
		return Result{Decision: DecisionAllow}
	}

	results := make([]Result, len(matching))
	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range matching {
		g.Go(func() error {
			results[i] = c.call(gctx, reg, payload)
			return nil
		})
	}
	_ = g.Wait() // call() never returns an error; failures are encoded in the Result itself

	return aggregate(payload.Event, results)
}

func (c *Client) call(ctx context.Context, reg Registration, payload Payload) Result {
	timeout := reg.Timeout
	if timeout < minTimeout || timeout > maxTimeout {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return c.failureResult(payload.Event, "failed to encode webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return c.failureResult(payload.Event, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range reg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("webhook request failed", "event", payload.Event, "error", err)
		return c.failureResult(payload.Event, "webhook unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("webhook returned non-2xx", "event", payload.Event, "status", resp.StatusCode)
		return c.failureResult(payload.Event, fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.log.Warn("webhook returned invalid JSON", "event", payload.Event, "error", err)
		return c.failureResult(payload.Event, "webhook returned invalid response")
	}

	return Result{Decision: out.Decision, Reason: out.Reason, ModifiedInput: out.ModifiedInput}
}

func (c *Client) failureResult(event Event, reason string) Result {
	if event.failsClosed() {
		return Result{Decision: DecisionDeny, Reason: reason}
	}
	return Result{Decision: DecisionAllow, Reason: reason}
}

// aggregate combines per-hook results: any deny wins outright (fail
// closed beats allow), otherwise any ask wins, otherwise allow. This
// mirrors the teacher's exit-code aggregation (a single blocking result
// overrides the rest) but operates on decisions instead of exit codes.
func aggregate(event Event, results []Result) Result {
	final := Result{Decision: DecisionAllow}
	var reasons []string

	for _, r := range results {
		if r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
		switch r.Decision {
		case DecisionDeny:
			final.Decision = DecisionDeny
		case DecisionAsk:
			if final.Decision != DecisionDeny {
				final.Decision = DecisionAsk
			}
		}
		if event == EventPreToolUse && r.ModifiedInput != nil {
			if final.ModifiedInput == nil {
				final.ModifiedInput = map[string]any{}
			}
			for k, v := range r.ModifiedInput {
				final.ModifiedInput[k] = v
			}
		}
	}

	if len(reasons) > 0 {
		final.Reason = reasons[len(reasons)-1]
	}
	return final
}
