package tcp

import (
	"context"
	"io"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/wire"
	"github.com/outofforest/resonance"
)

const maxChunkSize = 64 * 1024

var errReceptionClosed = errors.New("reception closed")

// PrepareForDataReception prepares to receive a byte stream appended to the local file.
func (ct *ChannelType) PrepareForDataReception(
	ctx context.Context,
	localFile string,
	progress transport.Progress,
) (transport.Reception, error) {
	ls, err := net.Listen("tcp", net.JoinHostPort(ct.config.BaseAddress, "0"))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &reception{
		address: ls.Addr().String(),
		path:    localFile,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(r.done)

		err := resonance.RunServer(ctx, ls, ct.resonanceConfig(),
			func(ctx context.Context, c *resonance.Connection) error {
				if err := r.receive(ctx, c, progress); err != nil {
					return err
				}
				r.mu.Lock()
				r.completed = true
				r.mu.Unlock()

				cancel()
				return nil
			})

		r.mu.Lock()
		defer r.mu.Unlock()

		switch {
		case r.completed:
		case r.closed:
			r.err = errors.WithStack(errReceptionClosed)
		case err != nil:
			r.err = err
		default:
			r.err = errors.WithStack(ctx.Err())
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
	return resonance.RunClient(ctx, address, ct.resonanceConfig(),
		func(ctx context.Context, c *resonance.Connection) error {
			return runClosing(ctx, c, func(ctx context.Context) error {
				m := wire.NewMarshaller()

				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}
				start, ok := msg.(*wire.StreamOffset)
				if !ok {
					return errors.New("stream offset expected")
				}

				f, err := os.Open(localFile)
				if err != nil {
					return errors.WithStack(err)
				}
				defer f.Close()

				info, err := f.Stat()
				if err != nil {
					return errors.WithStack(err)
				}
				size := uint64(info.Size())
				if start.Offset > size {
					return errors.Errorf("receiver has %d bytes but file contains only %d", start.Offset, size)
				}
				if _, err := f.Seek(int64(start.Offset), io.SeekStart); err != nil {
					return errors.WithStack(err)
				}

				if err := c.SendProton(&wire.StreamOffset{Offset: size}, m); err != nil {
					return err
				}

				offset := start.Offset
				buf := make([]byte, ct.chunkSize())
				for offset < size {
					if err := ctx.Err(); err != nil {
						return errors.WithStack(err)
					}

					n, err := io.ReadFull(f, buf[:min(uint64(len(buf)), size-offset)])
					if err != nil {
						return errors.WithStack(err)
					}
					if err := c.SendBytes(buf[:n]); err != nil {
						return err
					}
					offset += uint64(n)
					if progress != nil {
						progress(offset)
					}
				}

				msg, err = c.ReceiveProton(m)
				if err != nil {
					return err
				}
				if ack, ok := msg.(*wire.StreamOffset); !ok || ack.Offset != size {
					return errors.New("transfer not acknowledged")
				}
				return nil
			})
		})
}

func (ct *ChannelType) chunkSize() uint64 {
	// Leave room for framing.
	return min(maxChunkSize, ct.config.MaxMessageSize/2)
}

type reception struct {
	address string
	path    string
	cancel  context.CancelFunc
	done    chan struct{}

	// transferMu serializes transfers into the same file.
	transferMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	completed bool
	err       error
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
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	<-r.done
	return nil
}

func (r *reception) receive(ctx context.Context, c *resonance.Connection, progress transport.Progress) error {
	r.transferMu.Lock()
	defer r.transferMu.Unlock()

	return runClosing(ctx, c, func(ctx context.Context) error {
		f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return errors.WithStack(err)
		}
		offset := uint64(info.Size())

		m := wire.NewMarshaller()
		if err := c.SendProton(&wire.StreamOffset{Offset: offset}, m); err != nil {
			return err
		}

		msg, err := c.ReceiveProton(m)
		if err != nil {
			return err
		}
		end, ok := msg.(*wire.StreamOffset)
		if !ok {
			return errors.New("stream offset expected")
		}

		for offset < end.Offset {
			data, err := c.ReceiveBytes()
			if err != nil {
				return err
			}
			if _, err := f.Write(data); err != nil {
				return errors.WithStack(err)
			}
			offset += uint64(len(data))
			if progress != nil {
				progress(offset)
			}
		}

		return c.SendProton(&wire.StreamOffset{Offset: offset}, m)
	})
}

func runClosing(ctx context.Context, c *resonance.Connection, task func(ctx context.Context) error) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("task", parallel.Exit, task)
		spawn("closer", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			c.Close()
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}
