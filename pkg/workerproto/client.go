package workerproto

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/djherbis/buffer"
	"github.com/djherbis/nio"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/thanhpk/randstr"
	"golang.org/x/sync/errgroup"

	"github.com/mosesfs/moses/pkg/elog"
	"github.com/mosesfs/moses/pkg/ferr"
)

const defaultConnectTimeout = 30 * time.Second

// Callbacks receives the side-channel messages that may arrive while a
// request is outstanding.
type Callbacks struct {
	OnProgress func(ProgressPayload)
	OnLog      func(LogPayload)
}

// Client talks to a single worker process over a loopback connection.
// Only one request may be outstanding at a time; Call enforces this
// with a mutex rather than multiplexing, matching the protocol's
// single-outstanding-request contract.
type Client struct {
	log     elog.Logger
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	code *lineCodec
}

// Dial connects to a worker listening at addr (host:port on loopback).
// A failed connect is returned without a retry; the single reconnect
// after a transport failure happens in Call.
func Dial(ctx context.Context, addr string, log elog.Logger) (*Client, error) {
	if log == nil {
		log = &elog.CLI{}
	}
	c := &Client{log: log, addr: addr, timeout: defaultConnectTimeout}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.timeout}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return ferr.Timeout("connecting to worker at %s: %v", c.addr, err)
	}
	c.conn = conn
	c.code = newLineCodec(conn)
	return nil
}

func (c *Client) reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	return c.connect(ctx)
}

// Call sends a request and blocks until the terminal response arrives,
// folding any Progress/Log messages through cb as they are received.
// A Progress/Log decode runs through a buffered pipe (djherbis/nio)
// so a slow callback never stalls the underlying socket reader.
func (c *Client) Call(ctx context.Context, cmd CommandKind, payload interface{}, cb Callbacks) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}

	req := Request{ID: randstr.Hex(8), Command: cmd, Payload: raw}

	resp, err := c.callOnce(req, cb)
	if err != nil && resp.Type != ResponseError {
		// Transport failure, not an error the worker reported:
		// reconnect and resend exactly once.
		c.log.Warnf("worker call failed, reconnecting once: %v", err)
		if rerr := c.reconnect(ctx); rerr != nil {
			return Response{}, rerr
		}
		resp, err = c.callOnce(req, cb)
	}
	return resp, err
}

func (c *Client) callOnce(req Request, cb Callbacks) (Response, error) {
	if err := c.code.writeRequest(req); err != nil {
		return Response{}, err
	}

	pr, pw := nio.Pipe(buffer.New(32 * 1024))
	var wg errgroup.Group
	wg.Go(func() error {
		defer pr.Close()
		dec := json.NewDecoder(pr)
		for {
			var resp Response
			if err := dec.Decode(&resp); err != nil {
				return nil
			}
			switch resp.Type {
			case ResponseProgress:
				if cb.OnProgress != nil {
					var p ProgressPayload
					_ = json.Unmarshal(resp.Payload, &p)
					cb.OnProgress(p)
				}
			case ResponseLog:
				if cb.OnLog != nil {
					var l LogPayload
					_ = json.Unmarshal(resp.Payload, &l)
					cb.OnLog(l)
				}
			}
		}
	})

	var terminal Response
	var readErr error
	for {
		resp, err := c.code.readResponse()
		if err != nil {
			readErr = err
			break
		}
		b, _ := json.Marshal(resp)
		b = append(b, '\n')
		_, _ = pw.Write(b)
		if resp.ID != req.ID {
			continue
		}
		if resp.IsTerminal() {
			terminal = resp
			break
		}
	}
	pw.Close()
	_ = wg.Wait()

	if readErr != nil {
		return Response{}, readErr
	}
	if terminal.Type == ResponseError {
		var ep ErrorPayload
		_ = json.Unmarshal(terminal.Payload, &ep)
		// Rebuild the worker's error under its original Kind so
		// ferr.Is dispatch works across the RPC boundary.
		return terminal, ferr.FromWire(ep.Kind, ep.Message)
	}
	return terminal, nil
}

// Ping measures round-trip latency to the worker, for diagnostics.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.Call(ctx, CommandPing, struct{}{}, Callbacks{})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// DefaultWorkerPath resolves the default search location for the
// worker binary: next to the user's home directory config folder,
// the way a privileged helper installed per-user would be found.
func DefaultWorkerPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".moses", "moses-worker"), nil
}
