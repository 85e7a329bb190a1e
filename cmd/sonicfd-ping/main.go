package main

import (
	"encoding/binary"
	"flag"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/talostrading/sonicfd"
	"github.com/talostrading/sonicfd/sonicopts"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

var (
	addr  = flag.String("addr", "localhost:8080", "address of the echo server")
	n     = flag.Int64("n", 1024*32, "samples in a batch")
	size  = flag.Int("size", 64, "payload size in bytes, at least 8")
	count = flag.Int("count", 0, "number of batches to report before exiting, 0 runs forever")
	sync  = flag.Bool("sync", false, "use blocking reads and writes instead of the event loop")
	debug = flag.Bool("debug", false, "log at debug level")

	hist = hdrhistogram.New(1, 10_000_000, 1)
	pool bytebufferpool.Pool
)

type pinger struct {
	conn *sonicfd.Socket
	log  *zap.Logger

	rb      []byte
	pending *bytebufferpool.ByteBuffer
	batches int
}

// payload returns a buffer holding the current time followed by padding up to size bytes.
func (p *pinger) payload() *bytebufferpool.ByteBuffer {
	bb := pool.Get()

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	_, _ = bb.Write(ts[:])
	for bb.Len() < *size {
		_ = bb.WriteByte(byte(bb.Len()))
	}

	return bb
}

// record reports whether more samples are wanted.
func (p *pinger) record() bool {
	sent := int64(binary.LittleEndian.Uint64(p.rb[:8]))
	diff := time.Now().UnixNano() - sent

	if err := hist.RecordValue(diff); err != nil {
		// diff might be too big for the histogram
		p.log.Debug("dropping sample", zap.Int64("rtt_ns", diff), zap.Error(err))
		return true
	}

	if hist.TotalCount() >= *n {
		p.log.Info(
			"rtt",
			zap.Int64("min", hist.Min()),
			zap.Int64("avg", int64(hist.Mean())),
			zap.Int64("max", hist.Max()),
			zap.Int64("stddev", int64(hist.StdDev())),
			zap.Int64("p50", hist.ValueAtPercentile(50.0)),
			zap.Int64("p90", hist.ValueAtPercentile(90.0)),
			zap.Int64("p99", hist.ValueAtPercentile(99.0)),
			zap.Int64("p99.9", hist.ValueAtPercentile(99.9)),
		)
		hist.Reset()

		p.batches++
		if *count > 0 && p.batches >= *count {
			return false
		}
	}

	return true
}

func (p *pinger) runSync() error {
	for {
		bb := p.payload()
		_, err := p.conn.Write(bb.B)
		pool.Put(bb)
		if err != nil {
			return err
		}

		for read := 0; read < len(p.rb); {
			n, err := p.conn.Read(p.rb[read:])
			if err != nil {
				return err
			}
			read += n
		}

		if !p.record() {
			return nil
		}
	}
}

func (p *pinger) runAsync(ioc *sonicfd.IO) error {
	var (
		done    bool
		failure error
		ping    func()
	)

	ping = func() {
		p.pending = p.payload()
		p.conn.AsyncWriteAll(p.pending.B, func(err error, _ int) {
			pool.Put(p.pending)
			p.pending = nil

			if err != nil {
				failure, done = err, true
				return
			}

			p.conn.AsyncReadAll(p.rb, func(err error, _ int) {
				if err != nil {
					failure, done = err, true
					return
				}
				if p.record() {
					ping()
				} else {
					done = true
				}
			})
		})
	}
	ping()

	for !done {
		if err := ioc.RunOne(); err != nil {
			return err
		}
	}
	return failure
}

func main() {
	flag.Parse()

	cfg := zap.NewProductionConfig()
	if *debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *size < 8 {
		log.Fatal("payload too small to carry a timestamp", zap.Int("size", *size))
	}

	ioc := sonicfd.MustIO(sonicfd.WithIOLogger(log.Named("io")))
	defer ioc.Close()

	conn := sonicfd.NewSocket(ioc)
	defer conn.Destroy()

	if err := conn.Connect("tcp", *addr); err != nil {
		log.Fatal("could not connect", zap.String("addr", *addr), zap.Error(err))
	}
	if err := conn.SetOption(sonicopts.NoDelay(true)); err != nil {
		log.Warn("could not set TCP_NODELAY", zap.Error(err))
	}
	log.Info(
		"connected",
		zap.Stringer("local", conn.LocalAddr()),
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.Bool("sync", *sync),
	)

	p := &pinger{
		conn: conn,
		log:  log,
		rb:   make([]byte, *size),
	}

	if *sync {
		err = p.runSync()
	} else {
		err = p.runAsync(ioc)
	}
	if err != nil {
		log.Error("ping failed", zap.Error(err))
	}

	if err := conn.Close(); err != nil {
		log.Warn("could not close connection", zap.Error(err))
	}
}
