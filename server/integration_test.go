package server_test

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mjbarnes/rudpft/client"
	"github.com/mjbarnes/rudpft/netsim"
	"github.com/mjbarnes/rudpft/protocol"
	"github.com/mjbarnes/rudpft/server"
	"github.com/stretchr/testify/assert"
)

// packetCounter wraps a net.PacketConn and records every outbound packet
// it decodes, without altering behavior — used to observe what the
// responder actually sent on the wire (spec.md §8 scenarios 2 and 3).
type packetCounter struct {
	net.PacketConn
	mu      sync.Mutex
	packets []protocol.Packet
}

func (c *packetCounter) WriteTo(b []byte, addr net.Addr) (int, error) {
	if pkt, err := protocol.Decode(b); err == nil {
		c.mu.Lock()
		c.packets = append(c.packets, pkt)
		c.mu.Unlock()
	}
	return c.PacketConn.WriteTo(b, addr)
}

func (c *packetCounter) countType(t protocol.MsgType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.packets {
		if p.Type == t {
			n++
		}
	}
	return n
}

func (c *packetCounter) ofType(t protocol.MsgType) []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Packet
	for _, p := range c.packets {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// connCounter is the net.Conn equivalent, used to inspect what the
// initiator sent (spec.md §8 scenario 3's exact chunking check).
type connCounter struct {
	net.Conn
	mu      sync.Mutex
	packets []protocol.Packet
}

func (c *connCounter) Write(b []byte) (int, error) {
	if pkt, err := protocol.Decode(b); err == nil {
		c.mu.Lock()
		c.packets = append(c.packets, pkt)
		c.mu.Unlock()
	}
	return c.Conn.Write(b)
}

func (c *connCounter) ofType(t protocol.MsgType) []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Packet
	for _, p := range c.packets {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// bitFlipOnce flips one payload bit of the first packet of the given type
// it sees, then passes every subsequent write through untouched — enough
// to exercise spec.md §8 scenario 6 (corrupt one DATA packet, confirm the
// receiver discards it and the sender's retransmit recovers the transfer).
type bitFlipOnce struct {
	net.Conn
	target protocol.MsgType
	done   bool
}

func (c *bitFlipOnce) Write(b []byte) (int, error) {
	if !c.done {
		if pkt, err := protocol.Decode(b); err == nil && pkt.Type == c.target && len(pkt.Payload) > 0 {
			c.done = true
			tampered := append([]byte{}, b...)
			tampered[len(tampered)-1] ^= 0x01
			return c.Conn.Write(tampered)
		}
	}
	return c.Conn.Write(b)
}

// liveResponder starts a real server.Responder.Serve loop over a loopback
// UDP socket and tears it down at test end.
func liveResponder(t *testing.T, timeout time.Duration) (addr string, dir string, counts *packetCounter, r *server.Responder) {
	dir = t.TempDir()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	counts = &packetCounter{PacketConn: conn}

	r = server.New(counts, dir, timeout, 5)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Serve(stop)
		close(done)
	}()
	t.Cleanup(func() {
		close(stop)
		conn.Close()
		<-done
	})
	return conn.LocalAddr().String(), dir, counts, r
}

func dialClient(t *testing.T, addr string, timeout time.Duration) (*client.Transfer, net.Conn) {
	conn, err := net.Dial("udp", addr)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	tr, err := client.New(conn, timeout)
	assert.NoError(t, err)
	tr.MaxRetries = 50
	return tr, conn
}

// Scenario 1: upload a 0-byte file — one SYN/SYN-ACK, zero DATA, one
// FIN/FIN-ACK, and the output file exists and is empty.
func TestScenarioUploadEmptyFile(t *testing.T) {
	addr, dir, counts, _ := liveResponder(t, 100*time.Millisecond)
	tr, _ := dialClient(t, addr, 100*time.Millisecond)

	err := tr.Upload("empty.bin", bytes.NewReader(nil), 4)
	assert.NoError(t, err)

	contents, err := os.ReadFile(filepath.Join(dir, "empty.bin"))
	assert.NoError(t, err)
	assert.Empty(t, contents)
	assert.Equal(t, 0, counts.countType(protocol.Data), "a 0-byte upload must carry zero DATA packets")
	assert.GreaterOrEqual(t, counts.countType(protocol.FinAck), 1)
}

// Scenario 2: download a 2500-byte file while the initiator drops 30% of
// its outbound packets (its ACKs) — every dropped ACK makes the responder
// retransmit, and the transfer still completes with the exact bytes.
func TestScenarioDownloadWithDropRateForcesRetransmission(t *testing.T) {
	addr, dir, counts, _ := liveResponder(t, 40*time.Millisecond)

	want := bytes.Repeat([]byte("x"), 2500)
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), want, 0o644))

	rawConn, err := net.Dial("udp", addr)
	assert.NoError(t, err)
	t.Cleanup(func() { rawConn.Close() })
	lossy := netsim.NewConn(rawConn, 0.3, 0.3)

	tr, err := client.New(lossy, 40*time.Millisecond)
	assert.NoError(t, err)
	tr.MaxRetries = 200

	var out bytes.Buffer
	err = tr.Download("big.bin", &out)
	assert.NoError(t, err)
	assert.Equal(t, want, out.Bytes())
	assert.GreaterOrEqual(t, counts.countType(protocol.Data), 3,
		"2500 bytes at MaxPayloadSize=1024 requires at least 3 DATA packets")
}

// Scenario 3: upload 4097 bytes with window_size=4 — exactly 5 DATA
// packets sized {1024,1024,1024,1024,1} at contiguous seqs, FIN one past
// the last DATA seq, and the output file is exactly 4097 bytes.
func TestScenarioUploadChunkingMatchesWindowSize(t *testing.T) {
	addr, dir, _, _ := liveResponder(t, 150*time.Millisecond)

	conn, err := net.Dial("udp", addr)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	counted := &connCounter{Conn: conn}

	tr, err := client.New(counted, 150*time.Millisecond)
	assert.NoError(t, err)
	tr.MaxRetries = 50

	payload := bytes.Repeat([]byte("a"), 4097)
	err = tr.Upload("chunked.bin", bytes.NewReader(payload), 4)
	assert.NoError(t, err)

	dataPkts := counted.ofType(protocol.Data)
	if !assert.Len(t, dataPkts, 5) {
		t.FailNow()
	}
	wantSizes := []int{1024, 1024, 1024, 1024, 1}
	base := dataPkts[0].SeqNum - 1
	for i, pkt := range dataPkts {
		assert.Equal(t, wantSizes[i], len(pkt.Payload), "packet %d size", i)
		assert.EqualValues(t, base+1+uint32(i), pkt.SeqNum, "packet %d seq", i)
	}

	finPkts := counted.ofType(protocol.Fin)
	if assert.Len(t, finPkts, 1) {
		assert.EqualValues(t, base+6, finPkts[0].SeqNum)
	}

	contents, err := os.ReadFile(filepath.Join(dir, "chunked.bin"))
	assert.NoError(t, err)
	assert.Len(t, contents, 4097)
}

// Scenario 4: DOWNLOAD SYN for a nonexistent file gets ERROR "File not
// found", no session is created, and a subsequent probe of the registry
// shows zero entries.
func TestScenarioDownloadMissingFileSendsErrorNoSession(t *testing.T) {
	addr, _, _, r := liveResponder(t, 100*time.Millisecond)
	tr, _ := dialClient(t, addr, 100*time.Millisecond)
	tr.MaxRetries = 3

	var out bytes.Buffer
	err := tr.Download("absent.txt", &out)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")
	assert.Equal(t, 0, r.Sessions().Len(), "a rejected handshake must leave no session behind")
}

// Scenario 5: a malformed SYN payload with no "|" separator gets ERROR
// "Invalid SYN payload format", driven over a real UDP round trip rather
// than a direct handler call.
func TestScenarioMalformedSynOverTheWire(t *testing.T) {
	addr, _, _, _ := liveResponder(t, 100*time.Millisecond)

	conn, err := net.Dial("udp", addr)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	syn := protocol.Packet{Type: protocol.SYN, SeqNum: 1, SessionID: 42, Payload: []byte("HELLO")}
	_, err = conn.Write(protocol.Encode(syn))
	assert.NoError(t, err)

	assert.NoError(t, conn.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := conn.Read(buf)
	assert.NoError(t, err)

	reply, err := protocol.Decode(buf[:n])
	assert.NoError(t, err)
	assert.Equal(t, protocol.Error, reply.Type)
	assert.Equal(t, "Invalid SYN payload format", string(reply.Payload))
}

// Scenario 6: a DATA packet with one bit flipped in flight is discarded
// by the receiver (no ACK), the sender's Go-Back-N timeout fires and
// retransmits, and the upload still completes correctly.
func TestScenarioBitFlipRecoversViaRetransmit(t *testing.T) {
	addr, dir, _, _ := liveResponder(t, 60*time.Millisecond)

	conn, err := net.Dial("udp", addr)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	tamper := &bitFlipOnce{Conn: conn, target: protocol.Data}

	tr, err := client.New(tamper, 60*time.Millisecond)
	assert.NoError(t, err)
	tr.MaxRetries = 50

	payload := []byte("this packet will be corrupted once in flight")
	err = tr.Upload("corrupt.bin", bytes.NewReader(payload), 4)
	assert.NoError(t, err)
	assert.True(t, tamper.done, "the test must actually have tampered a DATA packet for this scenario to be meaningful")

	contents, err := os.ReadFile(filepath.Join(dir, "corrupt.bin"))
	assert.NoError(t, err)
	assert.Equal(t, payload, contents)
}

// Session isolation: two concurrent sessions, driven by independent
// initiators against the same responder socket, must not interfere with
// each other's transfers.
func TestSessionIsolationTwoConcurrentTransfers(t *testing.T) {
	addr, dir, _, _ := liveResponder(t, 100*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	payloads := [][]byte{
		bytes.Repeat([]byte("A"), 300),
		bytes.Repeat([]byte("B"), 5000),
	}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, _ := dialClient(t, addr, 100*time.Millisecond)
			name := fmt.Sprintf("concurrent-%d.bin", i)
			errs[i] = tr.Upload(name, bytes.NewReader(payloads[i]), 4)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "session %d", i)
		contents, readErr := os.ReadFile(filepath.Join(dir, fmt.Sprintf("concurrent-%d.bin", i)))
		assert.NoError(t, readErr)
		assert.Equal(t, payloads[i], contents, "session %d contents", i)
	}
}
