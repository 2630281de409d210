package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/backkem/btmesh/pkg/devicestate"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNetKey = "7dd7364cd842ad18c17c2b820c84c3d6"
	testAppKey = "63964771734fbd76e3b40519d1d94a48"
	testLabel  = "0073e7e4-d8b9-440f-af84-15df4c56c0e1"

	// Mesh Profile sample data, Message #1.
	message1PDU = "68eca487516765b5e5bfdacbaf6cb7fb6bff871f035444ce83a670df"
)

// execute runs meshctl with args and returns its standard output.
func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		t.Logf("meshctl %s: %v\n%s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String(), err
}

func TestCryptoNetKey(t *testing.T) {
	out, err := execute(t, context.Background(), "crypto", "netkey", testNetKey)
	require.NoError(t, err)
	assert.Contains(t, out, "NID:            0x68")
	assert.Contains(t, out, "0953fa93e7caac9638f58820220a398e")
	assert.Contains(t, out, "8b84eedec100067d670971dd2aa700cf")

	_, err = execute(t, context.Background(), "crypto", "netkey", "abcd")
	assert.Error(t, err)
}

func TestCryptoAppKey(t *testing.T) {
	out, err := execute(t, context.Background(), "crypto", "appkey", testAppKey)
	require.NoError(t, err)
	assert.Equal(t, "AID: 0x26\n", out)
}

func TestCryptoVirtual(t *testing.T) {
	out, err := execute(t, context.Background(), "crypto", "virtual", testLabel)
	require.NoError(t, err)
	assert.Equal(t, testLabel+" b529\n", out)

	out, err = execute(t, context.Background(), "crypto", "virtual")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	addr, err := parseAddress("0x" + fields[1])
	require.NoError(t, err)
	assert.True(t, addr.IsVirtual())
}

func TestCryptoKey(t *testing.T) {
	a, err := execute(t, context.Background(), "crypto", "key")
	require.NoError(t, err)
	b, err := execute(t, context.Background(), "crypto", "key")
	require.NoError(t, err)

	_, err = mesh.ParseKey(strings.TrimSpace(a))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPDUDecode(t *testing.T) {
	out, err := execute(t, context.Background(), "pdu", "decode", message1PDU,
		"--net-key", testNetKey, "--iv", "0x12345678")
	require.NoError(t, err)
	assert.Contains(t, out, "nid=0x68 ctl=true ttl=0")
	assert.Contains(t, out, "src=1201 dst=fffd")
	assert.Contains(t, out, "transport: 034b50057e400000010000")
	assert.Contains(t, out, "opcode=FriendRequest seg=false params=4b50057e400000010000")

	_, err = execute(t, context.Background(), "pdu", "decode", message1PDU,
		"--net-key", testAppKey, "--iv", "0x12345678")
	assert.Error(t, err, "another NetKey does not open the frame")

	_, err = execute(t, context.Background(), "pdu", "decode", message1PDU, "--iv", "0x12345678")
	assert.Error(t, err, "--net-key is required")
}

func TestPDUEncodeDecode(t *testing.T) {
	frame, err := execute(t, context.Background(), "pdu", "encode", "0102a3",
		"--net-key", testNetKey, "--app-key", testAppKey, "--iv", "0x12345678",
		"--src", "0x1201", "--dst", "0xc105", "--seq", "7", "--ttl", "4")
	require.NoError(t, err)
	frame = strings.TrimSpace(frame)

	out, err := execute(t, context.Background(), "pdu", "decode", frame,
		"--net-key", testNetKey, "--app-key", testAppKey, "--iv", "0x12345678")
	require.NoError(t, err)
	assert.Contains(t, out, "ctl=false ttl=4")
	assert.Contains(t, out, "src=1201 dst=c105")
	assert.Contains(t, out, "akf=true aid=0x26 seg=false")
	assert.Contains(t, out, "access: 0102a3")

	_, err = execute(t, context.Background(), "pdu", "decode", frame,
		"--net-key", testNetKey, "--dev-key", testAppKey, "--iv", "0x12345678")
	assert.Error(t, err, "an AppKey message does not open with a DevKey")
}

func TestPDUEncodeVirtual(t *testing.T) {
	frame, err := execute(t, context.Background(), "pdu", "encode", "0102",
		"--net-key", testNetKey, "--app-key", testAppKey,
		"--dst", "0xb529", "--label", testLabel)
	require.NoError(t, err)
	frame = strings.TrimSpace(frame)

	out, err := execute(t, context.Background(), "pdu", "decode", frame,
		"--net-key", testNetKey, "--app-key", testAppKey, "--label", testLabel)
	require.NoError(t, err)
	assert.Contains(t, out, "access: 0102")

	_, err = execute(t, context.Background(), "pdu", "decode", frame,
		"--net-key", testNetKey, "--app-key", testAppKey)
	assert.Error(t, err, "the label is part of the TransMIC")
}

func TestStateCommands(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.yaml")

	out, err := execute(t, ctx, "-s", path, "state", "new", "-a", "0x0010", "-c", "2",
		"--net-key", testNetKey, "--app-key", testAppKey, "--relay")
	require.NoError(t, err)
	assert.Contains(t, out, "elements 0010+2")

	_, err = execute(t, ctx, "-s", path, "state", "new")
	assert.Error(t, err, "an existing state is kept without --force")

	_, err = execute(t, ctx, "-s", path, "state", "subscribe", "0xc001")
	require.NoError(t, err)
	out, err = execute(t, ctx, "-s", path, "state", "subscribe", "--label", testLabel)
	require.NoError(t, err)
	assert.Equal(t, "subscribed to b529\n", out)
	_, err = execute(t, ctx, "-s", path, "state", "subscribe", "0x0003")
	assert.ErrorIs(t, err, devicestate.ErrInvalidState, "unicast addresses cannot be subscribed")

	_, err = execute(t, ctx, "-s", path, "state", "add-key", "--app", "-i", "1", "--net-index", "0")
	require.NoError(t, err)
	_, err = execute(t, ctx, "-s", path, "state", "add-key", "--app", "-i", "2", "--net-index", "4")
	assert.ErrorIs(t, err, devicestate.ErrUnknownNetKey)

	out, err = execute(t, ctx, "-s", path, "state", "show")
	require.NoError(t, err)
	assert.Contains(t, out, testNetKey)
	assert.Contains(t, out, testLabel)

	s, err := devicestate.NewFileStore(path).Load()
	require.NoError(t, err)
	assert.True(t, s.Relay)
	assert.Equal(t, []mesh.Address{0xC001, 0xb529}, s.Subscriptions)
	assert.Len(t, s.AppKeys, 2)

	out, err = execute(t, ctx, "-s", path, "state", "new", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "elements 0001+1")
}

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	_, err := execute(t, context.Background(), "-s", path, "state", "new", "-a", "0x0010")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = execute(t, ctx, "-s", path, "run", "--listen", "127.0.0.1:0",
		"--send", "0xc001=0102", "--send", "0xc002=03", "--save-interval", "20ms")
	require.NoError(t, err)

	s, err := devicestate.NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, mesh.SequenceNumber(2), s.Sequence[0x0010], "the sequence survives the run")
}

func TestRunBadListen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	_, err := execute(t, context.Background(), "-s", path, "state", "new")
	require.NoError(t, err)

	_, err = execute(t, context.Background(), "-s", path, "run", "--listen", "not-an-address")
	assert.Error(t, err)
}

func TestAbortJoinsStopError(t *testing.T) {
	node, err := stack.New(stack.Config{Elements: mesh.UnicastRange{Primary: 1, Count: 1}})
	require.NoError(t, err)
	require.NoError(t, node.Stop())

	start := errors.New("start failed")
	err = abort(node, start)
	assert.ErrorIs(t, err, start)
	assert.ErrorIs(t, err, stack.ErrStopped)
}

func TestRunBadSend(t *testing.T) {
	_, err := execute(t, context.Background(), "run", "--send", "c001:0102")
	assert.Error(t, err)
}

func TestSimAndTrace(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "sim.cbor")
	out, err := execute(t, context.Background(), "sim", "-n", "3", "-c", "3", "--size", "20",
		"--trace", tracePath)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 3/3 to 0003")
	assert.Contains(t, out, "NODE")

	info, err := os.Stat(tracePath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	out, err = execute(t, context.Background(), "trace", "dump", tracePath, "--kind", "deliver")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3)
	for _, l := range lines {
		assert.Contains(t, l, "DELIVER")
		assert.Contains(t, l, "0001->0003")
	}

	_, err = execute(t, context.Background(), "trace", "dump", tracePath, "--kind", "bogus")
	assert.Error(t, err)
}

func TestSimGroup(t *testing.T) {
	out, err := execute(t, context.Background(), "sim", "-n", "4", "-c", "2", "--group")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 2/2 to c001")
}

func TestSimPipe(t *testing.T) {
	out, err := execute(t, context.Background(), "sim", "--bearer", "pipe", "-n", "2", "-c", "3", "--size", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 3/3 to 0002")
	assert.NotContains(t, out, "medium:")
}

func TestSimValidation(t *testing.T) {
	_, err := execute(t, context.Background(), "sim", "-n", "1")
	assert.Error(t, err)
	_, err = execute(t, context.Background(), "sim", "-c", "0")
	assert.Error(t, err)
	_, err = execute(t, context.Background(), "sim", "--bearer", "pipe", "-n", "3")
	assert.Error(t, err)
	_, err = execute(t, context.Background(), "sim", "--bearer", "carrier-pigeon")
	assert.Error(t, err)
}

func TestParseSends(t *testing.T) {
	reqs, err := parseSends([]string{"0xc001=0102", "3=ff"})
	require.NoError(t, err)
	assert.Equal(t, []stack.SendRequest{
		{Dst: 0xC001, TTL: stack.UseDefaultTTL, Payload: []byte{0x01, 0x02}},
		{Dst: 0x0003, TTL: stack.UseDefaultTTL, Payload: []byte{0xff}},
	}, reqs)

	for _, bad := range []string{"c001", "0xc001=zz", "0x10000=01"} {
		_, err := parseSends([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want mesh.Address
	}{
		{"1", 0x0001},
		{"0x1201", 0x1201},
		{" 0xC001 ", 0xC001},
		{"65535", 0xFFFF},
	}
	for _, tt := range tests {
		got, err := parseAddress(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := parseAddress("0x1ffff")
	assert.Error(t, err)
	_, err = parseAddress("node")
	assert.Error(t, err)
}
