package control

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"lan-integrity-tester/internal/common"
)

func sampleMessages() []*Message {
	rc := common.RoundConfig{Round: 3, Rate: 2.5e6, PacketSize: 9216, PacketCount: 169, ExpectedPayload: 0xAB, Loss: 0.25, Echo: true}
	return []*Message{
		Synchronize(),
		SynchronizeAck(40123),
		RoundConfigMessage(rc),
		Ready(),
		RoundComplete(),
		TestComplete(),
		Error("Error: Argument 'loss' must be in the range 0 <= x <= 1"),
		Results([]common.RoundResult{
			{Round: 1, Rate: 1000, PacketSize: 1, PacketCount: 625, ByteCount: 625, Received: 600, Corrupted: 3,
				LossPercent: 4, Mangled: 0.5, Rating: common.RatingAcceptable, Duration: 4 * time.Second},
			{Round: 2, Rate: 2000, PacketSize: 1, PacketCount: 1250, ByteCount: 1250, Received: 1250,
				Rating: common.RatingPass},
		}),
		Results(nil),
	}
}

func TestEncodeDecodeIdempotent(t *testing.T) {
	for _, m := range sampleMessages() {
		first, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s): %v", m.Status, err)
		}
		if bytes.Count(first, []byte{'\n'}) != 1 || first[len(first)-1] != '\n' {
			t.Fatalf("%s: expected exactly one trailing delimiter, got %q", m.Status, first)
		}
		decoded, err := Decode(first[:len(first)-1])
		if err != nil {
			t.Fatalf("Decode(%s): %v", m.Status, err)
		}
		if decoded.Status != m.Status {
			t.Fatalf("status changed: %s -> %s", m.Status, decoded.Status)
		}
		second, err := Encode(decoded)
		if err != nil {
			t.Fatalf("re-encode(%s): %v", m.Status, err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%s did not round-trip:\n%s\n%s", m.Status, first, second)
		}
	}
}

func TestRoundConfigRoundTrip(t *testing.T) {
	rc := common.RoundConfig{Round: 4, Rate: 8e5, PacketSize: 100, PacketCount: 5000, ExpectedPayload: 0, Loss: 0}
	data, err := Encode(RoundConfigMessage(rc))
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(data[:len(data)-1])
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.RoundConfig()
	if err != nil {
		t.Fatalf("RoundConfig: %v", err)
	}
	if got != rc {
		t.Errorf("expected %+v, got %+v", rc, got)
	}
	// 零值的 loss 和 expected_payload 也必须出现在线上
	if !strings.Contains(string(data), `"loss":0`) || !strings.Contains(string(data), `"expected_payload":0`) {
		t.Errorf("zero-valued required fields were omitted: %s", data)
	}
}

func TestLegacyByteCountConfig(t *testing.T) {
	m, err := Decode([]byte(`{"status": "test_in_progress", "round": 1, "rate": 200.0, "byte_count": 125, "expected_payload": 9, "loss": 0}`))
	if err != nil {
		t.Fatal(err)
	}
	rc, err := m.RoundConfig()
	if err != nil {
		t.Fatalf("RoundConfig: %v", err)
	}
	if rc.PacketSize != 1 || rc.PacketCount != 125 {
		t.Errorf("expected 125 one-byte packets, got %+v", rc)
	}
}

func TestValidateMissingFields(t *testing.T) {
	lines := []string{
		`{"udp_port": 1234}`,
		`{"status": "synchronize-ack"}`,
		`{"status": "synchronize-ack", "udp_port": 70000}`,
		`{"status": "test_in_progress", "rate": 10, "packet_count": 1, "expected_payload": 1, "loss": 0}`,
		`{"status": "test_in_progress", "round": 1, "packet_count": 1, "expected_payload": 1, "loss": 0}`,
		`{"status": "test_in_progress", "round": 1, "rate": 10, "expected_payload": 1, "loss": 0}`,
		`{"status": "test_in_progress", "round": 1, "rate": 10, "packet_count": 1, "loss": 0}`,
		`{"status": "test_in_progress", "round": 1, "rate": 10, "packet_count": 1, "expected_payload": 1}`,
		`{"status": "test_in_progress", "round": 1, "rate": 10, "packet_count": 1, "expected_payload": 256, "loss": 0}`,
		`{"status": "bogus"}`,
	}
	for _, line := range lines {
		m, err := Decode([]byte(line))
		if err != nil {
			t.Fatalf("Decode(%s): %v", line, err)
		}
		if err := m.Validate(); !errors.Is(err, common.ErrProtocolViolation) {
			t.Errorf("Validate(%s): expected protocol violation, got %v", line, err)
		}
	}
}

func TestExpect(t *testing.T) {
	if err := Expect(Ready(), StatusReady); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Expect(RoundComplete(), StatusReady); !errors.Is(err, common.ErrProtocolViolation) {
		t.Errorf("expected protocol violation, got %v", err)
	}
	err := Expect(Error("boom"), StatusReady)
	var remote *common.RemoteError
	if !errors.As(err, &remote) || remote.Reason != "boom" {
		t.Fatalf("expected remote error with reason, got %v", err)
	}
	if !errors.Is(err, common.ErrRemoteRejected) {
		t.Errorf("remote error must match ErrRemoteRejected")
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{"", "   ", "not json", "{\"status\":", "[1,2", "42"} {
		if _, err := Decode([]byte(line)); !errors.Is(err, common.ErrMalformedMessage) {
			t.Errorf("Decode(%q): expected malformed message, got %v", line, err)
		}
	}
}

func TestDecodeBareStringError(t *testing.T) {
	m, err := Decode([]byte(`"Error: Argument 'loss' must be in the range 0 <= x <= 1"`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusError || !strings.Contains(m.Reason, "loss") {
		t.Errorf("expected error message, got %+v", m)
	}
}

func TestConnSendReceive(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	left, right := NewConn(a), NewConn(b)

	go func() {
		left.Send(Synchronize())
		left.Send(SynchronizeAck(5000))
	}()

	m, err := right.Receive()
	if err != nil || m.Status != StatusSynchronize {
		t.Fatalf("expected synchronize, got %+v, %v", m, err)
	}
	m, err = right.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if err := Expect(m, StatusSynchronizeAck); err != nil || *m.UDPPort != 5000 {
		t.Fatalf("expected synchronize-ack on port 5000, got %+v, %v", m, err)
	}
}

func TestConnReceiveSplitWrites(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := NewConn(b)

	go func() {
		a.Write([]byte(`{"stat`))
		a.Write([]byte(`us":"ready"}` + "\n" + `{"status":"round_complete"}` + "\n"))
	}()

	for _, want := range []string{StatusReady, StatusRoundComplete} {
		m, err := conn.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != want {
			t.Errorf("expected %s, got %s", want, m.Status)
		}
	}
}

func TestConnReceiveTooLarge(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewConn(b)

	go func() {
		defer a.Close()
		a.Write(bytes.Repeat([]byte{'x'}, MaxMessageSize+10))
	}()

	if _, err := conn.Receive(); !errors.Is(err, common.ErrMessageTooLarge) {
		t.Fatalf("expected message too large, got %v", err)
	}
}

func TestConnReceiveClosed(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b)

	go func() {
		a.Write([]byte(`{"status":"rea`))
		a.Close()
	}()

	if _, err := conn.Receive(); !errors.Is(err, common.ErrChannelClosed) {
		t.Fatalf("expected channel closed, got %v", err)
	}
}

func testTransport(t *testing.T, transport string) {
	ln, err := Listen(transport, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen(%s): %v", transport, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		m, err := conn.Receive()
		if err != nil {
			errCh <- err
			return
		}
		if err := Expect(m, StatusSynchronize); err != nil {
			errCh <- err
			return
		}
		errCh <- conn.Send(SynchronizeAck(4242))
	}()

	client, err := Dial(ctx, transport, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial(%s): %v", transport, err)
	}
	defer client.Close()

	if err := client.Send(Synchronize()); err != nil {
		t.Fatal(err)
	}
	m, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := Expect(m, StatusSynchronizeAck); err != nil || *m.UDPPort != 4242 {
		t.Fatalf("unexpected reply %+v: %v", m, err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestTCPTransport(t *testing.T) {
	testTransport(t, TransportTCP)
}

func TestQUICTransport(t *testing.T) {
	testTransport(t, TransportQUIC)
}

func TestTCPAcceptHonorsContext(t *testing.T) {
	ln, err := Listen(TransportTCP, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnknownTransport(t *testing.T) {
	if _, err := Listen("sctp", "127.0.0.1:0"); err == nil {
		t.Error("expected error for unknown transport")
	}
}
