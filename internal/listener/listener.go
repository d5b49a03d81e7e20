// Package listener binds simpicd's TCP port and hands each accepted
// connection off to its own internal/session, mirroring
// SimpicServer::start/handler: bind once, accept forever, one goroutine per
// client instead of the original's one detached std::thread per client.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"go.uber.org/zap"

	"github.com/emilarner/simpicd/internal/activeset"
	"github.com/emilarner/simpicd/internal/cache"
	"github.com/emilarner/simpicd/internal/disposition"
	"github.com/emilarner/simpicd/internal/scanner"
	"github.com/emilarner/simpicd/internal/session"
)

// Listener accepts simpicd clients on a single TCP port, handing each one
// off to a fresh internal/session backed by the shared Cache, active-scan
// set, scanner and disposer.
type Listener struct {
	ln       net.Listener
	cache    *cache.Cache
	active   *activeset.Set
	disposer *disposition.Disposer
	scanner  *scanner.Scanner
	tmpDir   string
	log      *zap.Logger

	wg sync.WaitGroup
}

// New binds port on all interfaces, setting SO_REUSEADDR explicitly (the
// original's setsockopt call) so a restarted daemon can rebind immediately
// instead of waiting out TIME_WAIT. The kernel's own listen(2) backlog
// default applies; net.ListenConfig has no knob for the original's literal
// listen(fd, 64).
func New(port uint16, c *cache.Cache, disposer *disposition.Disposer, scanWorkers int, tmpDir string, log *zap.Logger) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var ctlErr error
			err := rc.Control(func(fd uintptr) {
				ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	return &Listener{
		ln:       ln,
		cache:    c,
		active:   activeset.New(),
		disposer: disposer,
		scanner:  scanner.New(c, scanWorkers, log),
		tmpDir:   tmpDir,
		log:      log,
	}, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until the listener is closed, spawning one
// goroutine per client and returning only once every spawned session has
// finished. A closed listener ends Accept with a non-nil error, which is
// treated as the normal shutdown signal rather than logged as a failure.
func (l *Listener) Serve() error {
	if l.log != nil {
		l.log.Info("listening", zap.Stringer("addr", l.Addr()))
	}

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		l.wg.Add(1)
		go func(c net.Conn) {
			defer l.wg.Done()
			sess := session.New(c, l.cache, l.active, l.disposer, l.scanner, l.tmpDir, l.log)
			sess.Serve()
		}(conn)
	}
}

// Close stops accepting new connections. Sessions already in flight run to
// completion; Serve returns once they have.
func (l *Listener) Close() error {
	return l.ln.Close()
}
