// Package nntp implements the minimal NNTP client NNTPGate needs: GROUP
// to discover the high-water article number, ARTICLE to fetch a single
// message by number. Per spec.md §5, connections are cached per-process
// for the duration of one gating run and dropped unconditionally on any
// protocol error — NNTPGate reconnects rather than trying to recover a
// connection that may be in an unknown state.
package nntp

import (
	"bufio"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Client is a connection to one NNTP server, wrapping net/textproto's
// dot-encoding and multi-line response helpers.
type Client struct {
	conn *textproto.Conn
	raw  net.Conn
}

// Dial opens an NNTP connection and reads the server's greeting.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("nntp: dial %s: %w", addr, err)
	}
	conn := textproto.NewConn(raw)
	if _, _, err := conn.ReadCodeLine(200); err != nil {
		if _, _, err2 := conn.ReadCodeLine(201); err2 != nil {
			conn.Close()
			return nil, fmt.Errorf("nntp: greeting from %s: %w", addr, err)
		}
	}
	return &Client{conn: conn, raw: raw}, nil
}

// Close tears down the connection. A Client must never be reused after a
// command returns an error — the caller should Close and Dial fresh.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Group selects a newsgroup and returns its reported article number range.
func (c *Client) Group(name string) (low, high int, err error) {
	id, err := c.conn.Cmd("GROUP %s", name)
	if err != nil {
		return 0, 0, fmt.Errorf("nntp: group %s: %w", name, err)
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)
	_, line, err := c.conn.ReadCodeLine(211)
	if err != nil {
		return 0, 0, fmt.Errorf("nntp: group %s: %w", name, err)
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("nntp: malformed GROUP response for %s: %q", name, line)
	}
	low, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("nntp: malformed low watermark: %w", err)
	}
	high, err = strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, fmt.Errorf("nntp: malformed high watermark: %w", err)
	}
	return low, high, nil
}

// Article fetches one article's raw bytes by number.
func (c *Client) Article(number int) ([]byte, error) {
	id, err := c.conn.Cmd("ARTICLE %d", number)
	if err != nil {
		return nil, fmt.Errorf("nntp: article %d: %w", number, err)
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)
	if _, _, err := c.conn.ReadCodeLine(220); err != nil {
		return nil, fmt.Errorf("nntp: article %d: %w", number, err)
	}
	dr := c.conn.DotReader()
	var out []byte
	buf := bufio.NewReader(dr)
	for {
		line, err := buf.ReadBytes('\n')
		out = append(out, line...)
		if err != nil {
			break
		}
	}
	return out, nil
}

// Pool caches one Client per server address within a single gating run,
// as spec.md §5 mandates ("cached across lists within a run"). It is not
// safe to reuse across runs: CloseAll drops every cached connection.
type Pool struct {
	timeout time.Duration
	clients map[string]*Client
}

// NewPool returns an empty connection cache.
func NewPool(timeout time.Duration) *Pool {
	return &Pool{timeout: timeout, clients: map[string]*Client{}}
}

// Get returns the cached client for addr, dialing one if absent.
func (p *Pool) Get(addr string) (*Client, error) {
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := Dial(addr, p.timeout)
	if err != nil {
		return nil, err
	}
	p.clients[addr] = c
	return c, nil
}

// Drop closes and evicts addr's cached client, called after any command on
// it fails so a future Get reconnects instead of reusing a connection left
// in an unknown protocol state.
func (p *Pool) Drop(addr string) {
	if c, ok := p.clients[addr]; ok {
		c.Close()
		delete(p.clients, addr)
	}
}

// CloseAll tears down every cached connection.
func (p *Pool) CloseAll() {
	for addr := range p.clients {
		p.Drop(addr)
	}
}
