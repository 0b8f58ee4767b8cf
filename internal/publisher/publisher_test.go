package publisher

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/malsmug/internal/ioc"
)

type fakeConn struct {
	msgs     []*nats.Msg
	pubErr   error
	flushErr error
	drained  int
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	if c.pubErr != nil {
		return c.pubErr
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) FlushWithContext(context.Context) error { return c.flushErr }
func (c *fakeConn) Drain() error                           { c.drained++; return nil }

func result(dataSize int) *ioc.AnalysisResult {
	return &ioc.AnalysisResult{
		FileHash:   "abc",
		AnalysisID: "ana-1",
		IoCs: []ioc.IoC{{
			Timestamp:  time.UnixMilli(1700000000000),
			ExecutedOn: "https://bait.example/",
			Payload:    ioc.HTTPResponse{Status: "200", URL: "https://bait.example/", Data: strings.Repeat("a", dataSize)},
		}},
	}
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name       string
		rec        ioc.Record
		threshold  int
		compressed bool
		kind       string
	}{
		{name: "small result", rec: result(10), threshold: 1024, kind: "result"},
		{name: "large result", rec: result(4096), threshold: 1024, compressed: true, kind: "result"},
		{name: "compression disabled", rec: result(4096), threshold: 0, kind: "result"},
		{name: "failure", rec: ioc.Failure{Kind: ioc.FailureSyntax, Description: "Unexpected token"}, threshold: 1024, kind: "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{}
			p := New(conn, tt.threshold, nil)
			require.NoError(t, p.Publish(context.Background(), "malsmug.sandbox_iocs", tt.rec))
			require.Len(t, conn.msgs, 1)

			msg := conn.msgs[0]
			assert.Equal(t, "malsmug.sandbox_iocs", msg.Subject)
			assert.Equal(t, tt.kind, msg.Header.Get(HeaderRecord))
			if tt.compressed {
				assert.Equal(t, "zstd", msg.Header.Get(HeaderContentEncoding))
			} else {
				assert.Empty(t, msg.Header.Get(HeaderContentEncoding))
			}

			got, err := Decode(msg)
			require.NoError(t, err)
			want, err := ioc.Encode(tt.rec)
			require.NoError(t, err)
			again, err := ioc.Encode(got)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(again))
		})
	}
}

func TestPublishErrors(t *testing.T) {
	boom := errors.New("connection lost")

	p := New(&fakeConn{pubErr: boom}, 0, nil)
	assert.ErrorIs(t, p.Publish(context.Background(), "s", result(1)), boom)

	p = New(&fakeConn{flushErr: boom}, 0, nil)
	assert.ErrorIs(t, p.Publish(context.Background(), "s", result(1)), boom)
}

func TestClose(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, 0, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, conn.drained)
	assert.ErrorIs(t, p.Publish(context.Background(), "s", result(1)), ErrClosed)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Publish(context.Background(), "ignored", ioc.Failure{Kind: ioc.FailureRuntime, Description: "boom"}))
	assert.Equal(t, "\"error analysing sample: RuntimeError: boom\"\n", buf.String())
}
