package cache

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/emilarner/simpicd/internal/simerr"
)

// greeting is the exact byte sequence the original server sent to a probing
// connection, kept only so the wire behavior of the lock socket is
// unsurprising to anything that still speaks to it.
var greeting = []byte("Open.\x00")

// instanceLock guards against a second simpicd process running at the same
// time, which could corrupt a shared cache directory. It works by binding a
// well-known Unix domain socket: if connecting to it succeeds, another
// instance already owns it. The socket path is fixed, not derived from the
// cache directory, so a second process is refused whichever cache
// directory it opens.
type instanceLock struct {
	listener net.Listener
	sockPath string
}

// acquireInstanceLock binds sockPath, or returns simerr.ErrMultipleInstance
// if something is already listening there. x/sys/unix.Flock on the cache
// file itself would serve the same purpose, but the Unix-socket guard also
// doubles as a liveness probe: a stale lock from a crashed process gets
// reclaimed the next time something tries to dial it.
func acquireInstanceLock(sockPath string, log *zap.Logger) (*instanceLock, error) {
	if conn, err := net.Dial("unix", sockPath); err == nil {
		_ = conn.Close()
		return nil, simerr.ErrMultipleInstance
	}

	// Stale socket file from a prior unclean shutdown; safe to remove since
	// we just failed to connect to it.
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("bind instance lock at %s: %w", sockPath, err)
	}

	l := &instanceLock{listener: ln, sockPath: sockPath}
	go l.acceptLoop(log)
	return l, nil
}

func (l *instanceLock) acceptLoop(log *zap.Logger) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write(greeting)
		_ = conn.Close()
		if log != nil {
			log.Debug("answered instance lock probe")
		}
	}
}

// release closes the listener and removes the socket file, freeing the lock
// for the next process to acquire.
func (l *instanceLock) release() error {
	err := l.listener.Close()
	_ = os.Remove(l.sockPath)
	return err
}
