package serialport

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/firefly/pixie-provisioner/repl"
)

// Port is a line-oriented view of a serial connection. A background reader
// splits incoming data into lines so ReadLine can honour cancellation.
type Port struct {
	rwc     io.ReadWriteCloser
	lines   chan string
	done    chan struct{}
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewPort wraps an open connection and starts reading from it.
func NewPort(rwc io.ReadWriteCloser) *Port {
	p := &Port{
		rwc:   rwc,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Port) readLoop() {
	defer close(p.lines)

	reader := bufio.NewReader(p.rwc)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && (err == nil || err == io.EOF) {
			select {
			case p.lines <- strings.TrimRight(line, "\r\n"):
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.readErr = err
			return
		}
	}
}

// ReadLine returns the next line without its line ending.
func (p *Port) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-p.lines:
		if !ok {
			if p.readErr != nil {
				return "", p.readErr
			}
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WriteLine writes line followed by a newline.
func (p *Port) WriteLine(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_, err := io.WriteString(p.rwc, line+"\n")
	return err
}

// Close stops the reader and closes the connection.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closeErr = p.rwc.Close()
	})
	return p.closeErr
}

var _ repl.LineTransport = (*Port)(nil)
