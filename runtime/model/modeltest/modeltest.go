// Package modeltest provides a scripted model client for tests. Responses
// and failures are queued in order; every request is recorded for assertion.
package modeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/tools"
)

// Client is a scripted model.Client. Safe for concurrent use.
type Client struct {
	mu       sync.Mutex
	script   []scripted
	requests []model.Request
}

type scripted struct {
	resp model.Response
	err  error
}

// New builds an empty scripted client. Queue behavior with Respond and
// friends before use; an unscripted request fails the call.
func New() *Client {
	return &Client{}
}

// Respond queues a full response.
func (c *Client) Respond(resp model.Response) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, scripted{resp: resp})
	return c
}

// RespondText queues a text response with the given USD cost.
func (c *Client) RespondText(content string, cost float64) *Client {
	return c.Respond(model.Response{
		Content:    content,
		Cost:       cost,
		StopReason: model.StopReasonEnd,
	})
}

// RespondToolCall queues a response requesting one tool call with the given
// JSON arguments and USD cost.
func (c *Client) RespondToolCall(name tools.Ident, args string, cost float64) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("call-%d", len(c.script)+1)
	c.script = append(c.script, scripted{resp: model.Response{
		ToolCalls:  []model.ToolCall{{ID: id, Name: name, Args: json.RawMessage(args)}},
		Cost:       cost,
		StopReason: model.StopReasonToolCalls,
	}})
	return c
}

// Fail queues a call that returns err.
func (c *Client) Fail(err error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, scripted{err: err})
	return c
}

// FailWithCost queues a call that returns err while still reporting the
// given cost, the way adapters report cost for requests that were billed
// before failing.
func (c *Client) FailWithCost(err error, cost float64) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, scripted{resp: model.Response{Cost: cost}, err: err})
	return c
}

// Complete implements model.Client by replaying the script.
func (c *Client) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.script) == 0 {
		return model.Response{}, fmt.Errorf("modeltest: no scripted response for request %d", len(c.requests))
	}
	next := c.script[0]
	c.script = c.script[1:]
	return next.resp, next.err
}

// Requests returns a copy of the recorded requests in order.
func (c *Client) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Request(nil), c.requests...)
}

// Calls reports how many requests were made.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Remaining reports how many scripted entries were not consumed.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.script)
}
