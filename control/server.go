// Package control serves the local control socket: one newline-terminated
// JSON request per connection, answered with one JSON response.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/chatrelay/telemetry"
)

// DefaultPort is the loopback TCP port used when no socket path is set.
const DefaultPort = 49601

const maxRequest = 1 << 20

// ErrUnknownCommand is returned for commands nobody registered.
var ErrUnknownCommand = errors.New("unknown command")

// Request is one control call.
type Request struct {
	Command string          `json:"command"`
	Param   json.RawMessage `json:"param,omitempty"`
	User    string          `json:"user,omitempty"`
}

// Response carries the handler result, or the error text when Success is false.
type Response struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// HandlerFunc serves one command.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Runner executes fn in order with other pipeline work.
type Runner func(ctx context.Context, fn func(ctx context.Context) error) error

// Options configures a Server.
type Options struct {
	// Socket is a UNIX socket path. When empty the server listens on
	// 127.0.0.1:Port.
	Socket string
	Port   int
	// Timeout bounds one connection, read to write.
	Timeout time.Duration
	// Runner, when set, serialises handlers registered with HandleOnLoop
	// with the pipeline loop.
	Runner Runner
}

// Server is the control socket.
type Server struct {
	opts Options

	mu       sync.RWMutex
	handlers map[string]handler
}

type handler struct {
	fn     HandlerFunc
	onLoop bool
}

// NewServer returns a Server with no handlers.
func NewServer(opts Options) *Server {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Server{opts: opts, handlers: map[string]handler{}}
}

func (s *Server) String() string { return "control " + s.Addr() }

// Addr describes where the server listens.
func (s *Server) Addr() string {
	if s.opts.Socket != "" {
		return s.opts.Socket
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.opts.Port))
}

// Handle registers h for command, replacing any previous handler. h runs on
// the connection's goroutine and must be safe for concurrent use.
func (s *Server) Handle(command string, h HandlerFunc) {
	s.register(command, handler{fn: h})
}

// HandleOnLoop registers h to run through the Runner, in order with chat
// traffic. h must not block on I/O.
func (s *Server) HandleOnLoop(command string, h HandlerFunc) {
	s.register(command, handler{fn: h, onLoop: true})
}

func (s *Server) register(command string, h handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Listen opens the listener. A stale socket file is removed first.
func (s *Server) Listen() (net.Listener, error) {
	if s.opts.Socket == "" {
		return net.Listen("tcp", s.Addr())
	}
	if err := os.Remove(s.opts.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.opts.Socket)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(s.opts.Socket, 0o660); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return l, nil
}

// Serve listens and answers requests until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.Listen()
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.Addr(), err)
	}
	return s.ServeListener(ctx, l)
}

// ServeListener answers requests on l until ctx ends. It closes l.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	log := slog.Default().With(slog.String("component", "control"))
	log.Info("control socket listening", slog.String("addr", l.Addr().String()))

	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("control accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, log, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, log *slog.Logger, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.opts.Timeout))

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxRequest)
	var resp Response
	if !sc.Scan() {
		err := sc.Err()
		if err == nil {
			return // closed without a request
		}
		resp = Response{Result: "read request: " + err.Error()}
	} else {
		var req Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			resp = Response{Result: "decode request: " + err.Error()}
		} else {
			cctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
			resp = s.Call(cctx, req)
			cancel()
		}
	}

	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(Response{Result: "encode response: " + err.Error()})
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		log.Warn("control write failed", slog.Any("err", err))
	}
}

// Call runs one request through its handler.
func (s *Server) Call(ctx context.Context, req Request) Response {
	log := slog.Default().With(slog.String("component", "control"), slog.String("command", req.Command))
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		telemetry.IncVec(telemetry.ControlCalls, "unknown", "error")
		return Response{Result: fmt.Sprintf("%v: %q", ErrUnknownCommand, req.Command)}
	}
	if req.User != "" {
		log = log.With(slog.String("user", req.User))
	}

	var result any
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("control handler panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		result, err = h.fn(ctx, req)
		return err
	}
	var err error
	if h.onLoop && s.opts.Runner != nil {
		err = s.opts.Runner(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		telemetry.IncVec(telemetry.ControlCalls, req.Command, "error")
		log.Warn("control command failed", slog.Any("err", err))
		return Response{Result: err.Error()}
	}
	telemetry.IncVec(telemetry.ControlCalls, req.Command, "ok")
	log.Debug("control command")
	return Response{Success: true, Result: result}
}
