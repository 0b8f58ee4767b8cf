// Package publisher delivers analysis records to the results subject.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/config"
	"github.com/GriffinCanCode/malsmug/internal/ioc"
	"github.com/GriffinCanCode/malsmug/internal/logging"
)

const (
	// HeaderContentEncoding flags a compressed message body.
	HeaderContentEncoding = "Content-Encoding"
	// HeaderRecord tells result and failure messages apart without
	// decoding them.
	HeaderRecord = "Malsmug-Record"

	encodingZstd = "zstd"
)

var ErrClosed = errors.New("publisher closed")

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// NATS publishes records as NATS messages. Bodies above the threshold are
// zstd-compressed and flagged with a Content-Encoding header.
type NATS struct {
	conn      Conn
	threshold int
	log       *logging.Logger

	mu     sync.Mutex
	closed bool
}

// Dial opens a broker connection that reconnects forever once
// established. Failing here is a startup error.
func Dial(cfg config.BrokerConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("malsmug-sandbox"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return nc, nil
}

// Connect dials the broker and wraps the connection.
func Connect(cfg config.BrokerConfig, log *logging.Logger) (*NATS, error) {
	nc, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	return New(nc, cfg.CompressThreshold, log), nil
}

// New wraps an existing connection. threshold <= 0 disables compression.
func New(conn Conn, threshold int, log *logging.Logger) *NATS {
	if log == nil {
		log = logging.NewNop()
	}
	return &NATS{conn: conn, threshold: threshold, log: log.Component("publisher")}
}

// Publish sends one record and waits for the server to accept it.
func (p *NATS) Publish(ctx context.Context, topic string, rec ioc.Record) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg, err := Message(topic, rec, p.threshold)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", topic, err)
	}
	p.log.Debug("record published",
		zap.String("topic", topic),
		zap.String("record", msg.Header.Get(HeaderRecord)),
		zap.Int("bytes", len(msg.Data)),
		zap.String("encoding", msg.Header.Get(HeaderContentEncoding)))
	return nil
}

// Close drains the connection. It is safe to call more than once.
func (p *NATS) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Drain()
}

// Message builds the NATS message for a record.
func Message(topic string, rec ioc.Record, threshold int) (*nats.Msg, error) {
	data, err := ioc.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	msg := nats.NewMsg(topic)
	msg.Header.Set(HeaderRecord, recordName(rec))
	if threshold > 0 && len(data) > threshold {
		data = zstdEncoder().EncodeAll(data, make([]byte, 0, len(data)/2))
		msg.Header.Set(HeaderContentEncoding, encodingZstd)
	}
	msg.Data = data
	return msg, nil
}

// Decode reverses Message.
func Decode(msg *nats.Msg) (ioc.Record, error) {
	data := msg.Data
	if msg.Header.Get(HeaderContentEncoding) == encodingZstd {
		var err error
		if data, err = zstdDecoder().DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("failed to decompress record: %w", err)
		}
	}
	return ioc.Decode(data)
}

func recordName(rec ioc.Record) string {
	if _, ok := rec.(ioc.Failure); ok {
		return "failure"
	}
	return "result"
}

// Writer prints records as JSON lines, for runs without a broker.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Publish(_ context.Context, _ string, rec ioc.Record) error {
	data, err := ioc.Encode(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(append(data, '\n'))
	return err
}
