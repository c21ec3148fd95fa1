package iiod

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

type mockOp struct {
	cmd           string
	status        int
	payload       string
	binaryPayload []byte
	expectBinary  []byte
}

func startMockServer(t *testing.T, ops []mockOp) (string, chan error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		defer listener.Close()

		conn, err := listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		for _, op := range ops {
			line, err := reader.ReadString('\n')
			if err != nil {
				errCh <- fmt.Errorf("read command: %w", err)
				return
			}
			if got := strings.TrimSpace(line); got != op.cmd {
				errCh <- fmt.Errorf("unexpected command %q, want %q", got, op.cmd)
				return
			}

			if len(op.expectBinary) > 0 {
				var prefix [4]byte
				if _, err := io.ReadFull(reader, prefix[:]); err != nil {
					errCh <- fmt.Errorf("read length prefix: %w", err)
					return
				}
				data := make([]byte, binary.BigEndian.Uint32(prefix[:]))
				if _, err := io.ReadFull(reader, data); err != nil {
					errCh <- fmt.Errorf("read binary payload: %w", err)
					return
				}
				if string(data) != string(op.expectBinary) {
					errCh <- fmt.Errorf("binary payload mismatch: got %v want %v", data, op.expectBinary)
					return
				}
			}

			payload := []byte(op.payload)
			if len(op.binaryPayload) > 0 {
				payload = op.binaryPayload
			}
			if _, err := fmt.Fprintf(conn, "%d %d\n", op.status, len(payload)); err != nil {
				errCh <- fmt.Errorf("write response header: %w", err)
				return
			}
			if len(payload) > 0 {
				if _, err := conn.Write(payload); err != nil {
					errCh <- fmt.Errorf("write response payload: %w", err)
					return
				}
			}
		}
		errCh <- nil
	}()

	return listener.Addr().String(), errCh
}

func finishMock(t *testing.T, errCh chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("mock server: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mock server did not finish")
	}
}

func TestClientAttributes(t *testing.T) {
	addr, errCh := startMockServer(t, []mockOp{
		{cmd: "LIST_DEVICES", status: 0, payload: "ad9361-phy cf-ad9361-dds"},
		{cmd: "LIST_CHANNELS ad9361-phy", status: 0, payload: "voltage0 voltage1"},
		{cmd: "READ_ATTR ad9361-phy in_temp0_input", status: 0, payload: "32500\n"},
		{cmd: "READ_ATTR ad9361-phy voltage0 hardwaregain", status: 0, payload: "-10.00"},
		{cmd: "WRITE_ATTR ad9361-phy voltage0 hardwaregain -12.50", status: 0, payload: ""},
	})

	c, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	devs, err := c.ListDevices()
	if err != nil || len(devs) != 2 || devs[0] != "ad9361-phy" {
		t.Fatalf("list devices: %v %v", devs, err)
	}
	chans, err := c.ListChannels("ad9361-phy")
	if err != nil || len(chans) != 2 {
		t.Fatalf("list channels: %v %v", chans, err)
	}
	temp, err := c.ReadAttr("ad9361-phy", "", "in_temp0_input")
	if err != nil || temp != "32500" {
		t.Fatalf("read device attr: %q %v", temp, err)
	}
	gain, err := c.ReadAttr("ad9361-phy", "voltage0", "hardwaregain")
	if err != nil || gain != "-10.00" {
		t.Fatalf("read channel attr: %q %v", gain, err)
	}
	if err := c.WriteAttr("ad9361-phy", "voltage0", "hardwaregain", "-12.50"); err != nil {
		t.Fatalf("write attr: %v", err)
	}
	finishMock(t, errCh)
}

func TestClientBufferTransfer(t *testing.T) {
	tx := []complex64{complex(0.25, -0.25), complex(-0.5, 0.5)}
	txData, err := InterleaveComplex(tx, make([]complex64, len(tx)))
	if err != nil {
		t.Fatalf("interleave: %v", err)
	}

	rxData := make([]byte, 4*8)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint16(rxData[i*8:], uint16(100+i))
		binary.LittleEndian.PutUint16(rxData[i*8+2:], uint16(200+i))
	}

	addr, errCh := startMockServer(t, []mockOp{
		{cmd: "OPEN cf-ad9361-dds 2", status: 0, payload: ""},
		{cmd: fmt.Sprintf("WRITEBUF cf-ad9361-dds %d", len(txData)), status: 0, expectBinary: txData},
		{cmd: "CLOSE cf-ad9361-dds", status: 0, payload: ""},
		{cmd: "OPEN cf-ad9361-lpc 4", status: 0, payload: ""},
		{cmd: "READBUF cf-ad9361-lpc 4", status: 0, binaryPayload: rxData},
		{cmd: "CLOSE cf-ad9361-lpc", status: 0, payload: ""},
	})

	c, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.OpenBuffer("cf-ad9361-dds", 2); err != nil {
		t.Fatalf("open tx: %v", err)
	}
	if err := c.WriteBuffer("cf-ad9361-dds", txData); err != nil {
		t.Fatalf("write buffer: %v", err)
	}
	if err := c.CloseBuffer("cf-ad9361-dds"); err != nil {
		t.Fatalf("close tx: %v", err)
	}

	if err := c.OpenBuffer("cf-ad9361-lpc", 4); err != nil {
		t.Fatalf("open rx: %v", err)
	}
	data, err := c.ReadBuffer("cf-ad9361-lpc", 4)
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	samples, err := DeinterleaveComplex(data, 2, 0)
	if err != nil {
		t.Fatalf("deinterleave: %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}
	if err := c.CloseBuffer("cf-ad9361-lpc"); err != nil {
		t.Fatalf("close rx: %v", err)
	}
	finishMock(t, errCh)
}

func TestClientErrorStatus(t *testing.T) {
	addr, errCh := startMockServer(t, []mockOp{
		{cmd: "WRITE_ATTR ad9361-phy sampling_frequency 1000000", status: -22, payload: "Invalid argument"},
	})

	c, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	err = c.WriteAttr("ad9361-phy", "", "sampling_frequency", "1000000")
	if err == nil {
		t.Fatal("nonzero status must surface as an error")
	}
	if !strings.Contains(err.Error(), "Invalid argument") {
		t.Fatalf("error %v does not carry the server message", err)
	}
	finishMock(t, errCh)
}

func TestInterleaveRoundTrip(t *testing.T) {
	ch0 := []complex64{complex(0.5, -0.5), complex(-0.25, 0.25), complex(0.999, 0)}
	ch1 := []complex64{complex(0, 0.125), complex(1, -1), complex(-0.75, 0.75)}

	data, err := InterleaveComplex(ch0, ch1)
	if err != nil {
		t.Fatalf("interleave: %v", err)
	}
	if len(data) != len(ch0)*2*4 {
		t.Fatalf("packed %d bytes, want %d", len(data), len(ch0)*2*4)
	}

	for chIdx, want := range [][]complex64{ch0, ch1} {
		got, err := DeinterleaveComplex(data, 2, chIdx)
		if err != nil {
			t.Fatalf("deinterleave channel %d: %v", chIdx, err)
		}
		for i := range want {
			// int16 quantization plus saturation at full scale.
			if delta := float64(real(got[i]) - real(want[i])); delta > 1.0/16384 || delta < -1.0/16384 {
				t.Fatalf("channel %d sample %d I: got %v want %v", chIdx, i, got[i], want[i])
			}
		}
	}
}

func TestInterleaveRejectsMismatch(t *testing.T) {
	if _, err := InterleaveComplex(); err == nil {
		t.Fatal("no channels must fail")
	}
	if _, err := InterleaveComplex(make([]complex64, 2), make([]complex64, 3)); err == nil {
		t.Fatal("length mismatch must fail")
	}
	if _, err := DeinterleaveComplex(make([]byte, 7), 2, 0); err == nil {
		t.Fatal("ragged buffer must fail")
	}
	if _, err := DeinterleaveComplex(make([]byte, 8), 2, 5); err == nil {
		t.Fatal("channel out of range must fail")
	}
}
