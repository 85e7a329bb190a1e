package main

import (
	"errors"
	"flag"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixge/fgprof"
	"github.com/talostrading/sonicfd"
	"github.com/talostrading/sonicfd/sonicerrors"
	"github.com/talostrading/sonicfd/sonicopts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	addr     = flag.String("addr", ":8080", "address to listen on")
	bufSize  = flag.Int("bufsize", 4096, "read buffer size per connection")
	noDelay  = flag.Bool("nodelay", true, "set TCP_NODELAY on accepted connections")
	logLevel = flag.String("log-level", "info", "debug, info, warn or error")
	logFile  = flag.String("log-file", "", "log to this file, rotated, instead of stderr")
	pprof    = flag.String("pprof", "", "serve net/http/pprof and fgprof on this address")
)

func newLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return nil, err
	}

	sink := zapcore.Lock(os.Stderr)
	if *logFile != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
		})
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		sink,
		level,
	)
	return zap.New(core), nil
}

type session struct {
	id   uint64
	conn *sonicfd.Socket
	b    []byte
	log  *zap.Logger

	closed  bool
	onClose func(*session)
}

func (s *session) read() {
	if s.closed {
		return
	}
	s.conn.AsyncRead(s.b, func(err error, n int) {
		if err != nil {
			s.close(err)
			return
		}

		s.conn.AsyncWriteAll(s.b[:n], func(err error, _ int) {
			if err != nil {
				s.close(err)
				return
			}
			s.read()
		})
	})
}

func (s *session) close(reason error) {
	if s.closed {
		return
	}
	s.closed = true

	switch {
	case errors.Is(reason, io.EOF):
		s.log.Debug("peer disconnected")
	case errors.Is(reason, sonicerrors.ErrCancelled):
		s.log.Debug("session cancelled")
	default:
		s.log.Warn("session failed", zap.Error(reason))
	}

	if err := s.conn.Close(); err != nil {
		s.log.Warn("could not close connection", zap.Error(err))
	}
	s.onClose(s)
}

type server struct {
	ioc      *sonicfd.IO
	acceptor *sonicfd.Acceptor
	log      *zap.Logger

	sessions map[uint64]*session
	nextID   uint64
	stopped  bool
}

func (s *server) accept() {
	peer := sonicfd.NewSocket(s.ioc)
	s.acceptor.AsyncAccept(peer, func(err error, conn *sonicfd.Socket) {
		if err != nil {
			if errors.Is(err, sonicerrors.ErrCancelled) || s.stopped {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			s.accept()
			return
		}

		if s.stopped {
			_ = conn.Close()
			return
		}

		if err := conn.SetOption(sonicopts.NoDelay(*noDelay)); err != nil {
			s.log.Warn("could not set socket options", zap.Error(err))
		}

		s.nextID++
		sess := &session{
			id:   s.nextID,
			conn: conn,
			b:    make([]byte, *bufSize),
			log: s.log.With(
				zap.Uint64("session", s.nextID),
				zap.Stringer("remote", conn.RemoteAddr()),
			),
			onClose: func(sess *session) {
				delete(s.sessions, sess.id)
			},
		}
		s.sessions[sess.id] = sess
		sess.log.Info("accepted connection", zap.Int("sessions", len(s.sessions)))

		sess.read()
		s.accept()
	})
}

func (s *server) stop() {
	s.stopped = true
	if err := s.acceptor.Close(); err != nil {
		s.log.Warn("could not close acceptor", zap.Error(err))
	}
	for _, sess := range s.sessions {
		sess.close(sonicerrors.ErrCancelled)
	}
}

// run drives the event loop until the server is stopped and every session is gone.
func (s *server) run() error {
	for !s.stopped || len(s.sessions) > 0 {
		if err := s.ioc.RunOne(); err != nil {
			return err
		}
	}
	return s.ioc.RunPending()
}

func main() {
	flag.Parse()

	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *pprof != "" {
		http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())
		go func() {
			log.Info("serving profiles", zap.String("addr", *pprof))
			if err := http.ListenAndServe(*pprof, nil); err != nil {
				log.Error("profiling server stopped", zap.Error(err))
			}
		}()
	}

	ioc := sonicfd.MustIO(sonicfd.WithIOLogger(log.Named("io")))
	defer ioc.Close()

	acceptor, err := sonicfd.Listen(ioc, "tcp", *addr, sonicopts.ReuseAddr(true))
	if err != nil {
		log.Fatal("could not listen", zap.String("addr", *addr), zap.Error(err))
	}
	log.Info("listening", zap.Stringer("addr", acceptor.Addr()))

	s := &server{
		ioc:      ioc,
		acceptor: acceptor,
		log:      log,
		sessions: make(map[uint64]*session),
	}
	s.accept()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Info("shutting down", zap.Stringer("signal", sig))
		_ = ioc.Post(s.stop)
	}()

	if err := s.run(); err != nil {
		log.Fatal("event loop failed", zap.Error(err))
	}

	log.Info("bye")
}
