// Package iiod implements the subset of the IIOD text protocol needed to
// drive an AD9361-class device over TCP: attribute access and sample
// buffer transfers.
package iiod

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

const defaultIOTimeout = 5 * time.Second

// Client is a synchronous IIOD connection. Callers must serialize
// commands; only Interrupt may be called concurrently.
type Client struct {
	conn        net.Conn
	reader      *bufio.Reader
	interrupted atomic.Bool
}

// Dial connects to an IIOD server at addr within timeout.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultIOTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to IIOD at %s: %w", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Interrupt unblocks an in-flight command by expiring the connection
// deadline and fails subsequent commands until Resume is called. Safe to
// call from another goroutine.
func (c *Client) Interrupt() {
	c.interrupted.Store(true)
	if c.conn != nil {
		_ = c.conn.SetDeadline(time.Now())
	}
}

// Resume clears a previous Interrupt.
func (c *Client) Resume() {
	c.interrupted.Store(false)
}

// roundTrip sends one command line plus an optional length-prefixed binary
// payload and reads the "status length" response header and body.
func (c *Client) roundTrip(cmd string, payload []byte) ([]byte, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("IIOD client closed")
	}
	if c.interrupted.Load() {
		return nil, fmt.Errorf("IIOD command %q interrupted", cmd)
	}
	_ = c.conn.SetDeadline(time.Now().Add(defaultIOTimeout))

	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return nil, fmt.Errorf("send %q: %w", cmd, err)
	}
	if payload != nil {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
		if _, err := c.conn.Write(prefix[:]); err != nil {
			return nil, fmt.Errorf("send payload prefix: %w", err)
		}
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("send payload: %w", err)
		}
	}

	header, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	var status, length int
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "%d %d", &status, &length); err != nil {
		return nil, fmt.Errorf("malformed response header %q", strings.TrimSpace(header))
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if status != 0 {
		return nil, fmt.Errorf("IIOD error %d: %s", status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// ListDevices returns the device identifiers exposed by the context.
func (c *Client) ListDevices() ([]string, error) {
	body, err := c.roundTrip("LIST_DEVICES", nil)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(body)), nil
}

// ListChannels returns the channel identifiers of a device.
func (c *Client) ListChannels(dev string) ([]string, error) {
	body, err := c.roundTrip(fmt.Sprintf("LIST_CHANNELS %s", dev), nil)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(body)), nil
}

// ReadAttr reads a device or channel attribute. Pass channel "" for
// device-level attributes.
func (c *Client) ReadAttr(dev, channel, attr string) (string, error) {
	cmd := fmt.Sprintf("READ_ATTR %s %s", dev, attr)
	if channel != "" {
		cmd = fmt.Sprintf("READ_ATTR %s %s %s", dev, channel, attr)
	}
	body, err := c.roundTrip(cmd, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// WriteAttr writes a device or channel attribute.
func (c *Client) WriteAttr(dev, channel, attr, value string) error {
	cmd := fmt.Sprintf("WRITE_ATTR %s %s %s", dev, attr, value)
	if channel != "" {
		cmd = fmt.Sprintf("WRITE_ATTR %s %s %s %s", dev, channel, attr, value)
	}
	_, err := c.roundTrip(cmd, nil)
	return err
}

// OpenBuffer prepares a streaming buffer of the given sample count on dev.
func (c *Client) OpenBuffer(dev string, samples int) error {
	_, err := c.roundTrip(fmt.Sprintf("OPEN %s %d", dev, samples), nil)
	return err
}

// CloseBuffer releases the streaming buffer on dev.
func (c *Client) CloseBuffer(dev string) error {
	_, err := c.roundTrip(fmt.Sprintf("CLOSE %s", dev), nil)
	return err
}

// ReadBuffer reads samples interleaved int16 IQ frames from dev.
func (c *Client) ReadBuffer(dev string, samples int) ([]byte, error) {
	return c.roundTrip(fmt.Sprintf("READBUF %s %d", dev, samples), nil)
}

// WriteBuffer pushes raw interleaved int16 IQ data to dev.
func (c *Client) WriteBuffer(dev string, data []byte) error {
	_, err := c.roundTrip(fmt.Sprintf("WRITEBUF %s %d", dev, len(data)), data)
	return err
}
