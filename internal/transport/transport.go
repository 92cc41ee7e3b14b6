// Package transport moves activation tensors between pipeline stages.
// Two implementations share one contract: an in-process channel mesh for
// tests and single-binary runs, and an Arrow Flight mesh for stages in
// separate processes. Sends and receives are blocking and ordered per
// (source, destination) pair.
package transport

import (
	"context"
	"fmt"

	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/metrics"
)

type Transport interface {
	// Send delivers a copy of t to stage dst. It returns once the
	// destination has accepted the frame.
	Send(ctx context.Context, t *device.Tensor, dst int) error
	// Recv blocks until a frame from stage src arrives.
	Recv(ctx context.Context, src int) (*device.Tensor, error)
	Close() error
}

// localMesh carries frames over per-pair channels with an inbox depth of
// one, so a second send to the same destination blocks until the first
// frame is consumed.
type localMesh struct {
	size  int
	inbox [][]chan *device.Tensor // [src][dst]
}

type localTransport struct {
	mesh *localMesh
	rank int
}

// NewLocalMesh wires size in-process stages and returns one endpoint per
// rank.
func NewLocalMesh(size int) ([]Transport, error) {
	if size <= 0 {
		return nil, fmt.Errorf("transport: mesh size must be positive, got %d", size)
	}
	mesh := &localMesh{size: size, inbox: make([][]chan *device.Tensor, size)}
	for src := 0; src < size; src++ {
		mesh.inbox[src] = make([]chan *device.Tensor, size)
		for dst := 0; dst < size; dst++ {
			mesh.inbox[src][dst] = make(chan *device.Tensor, 1)
		}
	}
	endpoints := make([]Transport, size)
	for rank := 0; rank < size; rank++ {
		endpoints[rank] = &localTransport{mesh: mesh, rank: rank}
	}
	return endpoints, nil
}

func (l *localTransport) checkPeer(peer int) error {
	if peer < 0 || peer >= l.mesh.size {
		return fmt.Errorf("transport: stage %d out of range for mesh of %d", peer, l.mesh.size)
	}
	if peer == l.rank {
		return fmt.Errorf("transport: stage %d cannot address itself", l.rank)
	}
	return nil
}

func (l *localTransport) Send(ctx context.Context, t *device.Tensor, dst int) error {
	if err := l.checkPeer(dst); err != nil {
		return err
	}
	select {
	case l.mesh.inbox[l.rank][dst] <- t.Clone():
		metrics.RecordTransportSend(t.SizeBytes())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *localTransport) Recv(ctx context.Context, src int) (*device.Tensor, error) {
	if err := l.checkPeer(src); err != nil {
		return nil, err
	}
	select {
	case t := <-l.mesh.inbox[src][l.rank]:
		metrics.RecordTransportRecv(t.SizeBytes())
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *localTransport) Close() error { return nil }
