package inproc

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/parley/transport"
)

const chunkSize = 64 * 1024

var (
	// ErrNoReception is returned if nothing waits for data on the address.
	ErrNoReception = errors.New("no reception waiting on address")

	errReceptionClosed = errors.New("reception closed")
)

// PrepareForDataReception prepares to receive a byte stream appended to the local file.
func (ct *ChannelType) PrepareForDataReception(
	ctx context.Context,
	localFile string,
	progress transport.Progress,
) (transport.Reception, error) {
	r := &reception{
		bus:      ct.bus,
		address:  ct.config.BaseAddress + "/stream/" + uuid.NewString(),
		path:     localFile,
		progress: progress,
		done:     make(chan struct{}),
	}

	ct.bus.mu.Lock()
	ct.bus.receptions[r.address] = r
	ct.bus.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			r.finish(errors.WithStack(ctx.Err()))
		case <-r.done:
		}
	}()

	return r, nil
}

// TransferData sends the local file to the reception waiting on the address.
func (ct *ChannelType) TransferData(
	ctx context.Context,
	address, localFile string,
	progress transport.Progress,
) error {
	ct.bus.mu.RLock()
	r := ct.bus.receptions[address]
	ct.bus.mu.RUnlock()

	if r == nil {
		return errors.Wrapf(ErrNoReception, "address %q", address)
	}
	return r.receive(ctx, localFile, progress)
}

type reception struct {
	bus      *Bus
	address  string
	path     string
	progress transport.Progress

	// mu serializes transfers into the same file.
	mu       sync.Mutex
	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func (r *reception) Address() string {
	return r.address
}

func (r *reception) Done() <-chan struct{} {
	return r.done
}

func (r *reception) Err() error {
	return r.err
}

func (r *reception) Close() error {
	r.finish(errors.WithStack(errReceptionClosed))
	return nil
}

func (r *reception) finish(err error) {
	r.doneOnce.Do(func() {
		r.err = err
		r.bus.mu.Lock()
		delete(r.bus.receptions, r.address)
		r.bus.mu.Unlock()
		close(r.done)
	})
}

func (r *reception) receive(ctx context.Context, srcFile string, progress transport.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return errors.Wrapf(ErrNoReception, "address %q", r.address)
	default:
	}

	dst, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	defer dst.Close()

	info, err := dst.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	offset := uint64(info.Size())

	src, err := os.Open(srcFile)
	if err != nil {
		return errors.WithStack(err)
	}
	defer src.Close()

	if _, err := src.Seek(int64(offset), io.SeekStart); err != nil {
		return errors.WithStack(err)
	}

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-r.done:
			return errors.WithStack(errReceptionClosed)
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return errors.WithStack(err)
			}
			offset += uint64(n)
			if progress != nil {
				progress(offset)
			}
			if r.progress != nil {
				r.progress(offset)
			}
		}
		if errors.Is(err, io.EOF) {
			r.finish(nil)
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
	}
}
