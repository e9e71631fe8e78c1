package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of an upstream error body is kept.
const maxErrorBody = 64 << 10

// StatusError is a non-200 answer from an upstream API.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Status, e.Body)
}

// Call is one JSON POST to an upstream API. Content-Type is always set;
// Header adds provider specific auth and version headers.
type Call struct {
	Provider string
	URL      string
	Header   http.Header
	Body     any
	Client   *http.Client
}

// Event is one server-sent event. Name is empty for APIs that only send
// data lines.
type Event struct {
	Name string
	Data string
}

// Decoder turns one event into chunks. done ends the stream after the
// returned chunks are delivered.
type Decoder func(ev Event) (chunks []*Chunk, done bool)

func (c Call) request(ctx context.Context) (*http.Request, error) {
	body, err := json.Marshal(c.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", c.Provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func (c Call) send(req *http.Request) (*http.Response, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Provider: c.Provider, Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// Do sends the call and decodes a 200 response into out.
func (c Call) Do(ctx context.Context, out any) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.Provider, err)
	}
	return nil
}

// Stream sends the call and feeds the response's events to decode on a
// separate goroutine. The channel closes after a Done or Err chunk, or when
// ctx ends. A body that ends without a terminal event yields Done.
func (c Call) Stream(ctx context.Context, decode Decoder) (<-chan *Chunk, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Chunk)
	go func() {
		defer close(ch)

		resp, err := c.send(req)
		if err != nil {
			emit(ctx, ch, &Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		var name string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					emit(ctx, ch, &Chunk{Done: true})
					return
				}
				emit(ctx, ch, &Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
				continue
			case !strings.HasPrefix(line, "data: "):
				continue
			}

			chunks, done := decode(Event{Name: name, Data: strings.TrimPrefix(line, "data: ")})
			for _, chunk := range chunks {
				if !emit(ctx, ch, chunk) {
					return
				}
			}
			if done {
				return
			}
		}
	}()
	return ch, nil
}

func emit(ctx context.Context, ch chan<- *Chunk, chunk *Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
