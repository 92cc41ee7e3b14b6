package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/metrics"
)

const (
	wireF32 = "f32"
	wireF16 = "f16"
)

// FlightTransport is one stage's endpoint in an Arrow Flight mesh. It
// serves inbound activation pushes on its own address and dials peers on
// demand to send. Frames are single record batches: one flat value
// column plus schema metadata carrying dims, dtype and the source rank.
type FlightTransport struct {
	rank     int
	halfWire bool // encode values as IEEE 754 half precision
	alloc    memory.Allocator
	server   flight.Server
	svc      *inboxService

	mu      sync.Mutex
	peers   []string
	clients map[int]flight.Client
}

// NewFlightTransport binds peers[rank] and starts serving. Peer
// addresses bound to ephemeral ports can be filled in later with
// SetPeer once their owners report theirs.
func NewFlightTransport(rank int, peers []string, halfWire bool) (*FlightTransport, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, fmt.Errorf("transport: rank %d out of range for %d peers", rank, len(peers))
	}
	f := &FlightTransport{
		rank:     rank,
		halfWire: halfWire,
		alloc:    memory.DefaultAllocator,
		svc:      newInboxService(len(peers)),
		peers:    append([]string(nil), peers...),
		clients:  make(map[int]flight.Client),
	}
	f.server = flight.NewServerWithMiddleware(nil)
	if err := f.server.Init(peers[rank]); err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", peers[rank], err)
	}
	f.server.RegisterFlightService(f.svc)
	go func() {
		if err := f.server.Serve(); err != nil {
			logger.Log.Error("flight transport stopped serving", "rank", rank, "error", err)
		}
	}()
	logger.Log.Info("flight transport listening", "rank", rank, "addr", f.Addr(), "half_wire", halfWire)
	return f, nil
}

func (f *FlightTransport) Rank() int { return f.rank }

// Addr reports the bound listen address, resolved from an ephemeral port
// if one was requested.
func (f *FlightTransport) Addr() string { return f.server.Addr().String() }

// SetPeer records the dial address for a rank.
func (f *FlightTransport) SetPeer(rank int, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rank < 0 || rank >= len(f.peers) {
		return fmt.Errorf("transport: rank %d out of range for %d peers", rank, len(f.peers))
	}
	if cl, ok := f.clients[rank]; ok {
		cl.Close()
		delete(f.clients, rank)
	}
	f.peers[rank] = addr
	return nil
}

func (f *FlightTransport) checkPeer(peer int) error {
	if peer < 0 || peer >= len(f.peers) {
		return fmt.Errorf("transport: stage %d out of range for %d peers", peer, len(f.peers))
	}
	if peer == f.rank {
		return fmt.Errorf("transport: stage %d cannot address itself", f.rank)
	}
	return nil
}

func (f *FlightTransport) clientFor(dst int) (flight.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cl, ok := f.clients[dst]; ok {
		return cl, nil
	}
	cl, err := flight.NewClientWithMiddleware(f.peers[dst], nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: dial stage %d at %s: %w", dst, f.peers[dst], err)
	}
	f.clients[dst] = cl
	return cl, nil
}

func (f *FlightTransport) Send(ctx context.Context, t *device.Tensor, dst int) error {
	if err := f.checkPeer(dst); err != nil {
		return err
	}
	cl, err := f.clientFor(dst)
	if err != nil {
		return err
	}

	schema, rec := f.encodeFrame(t)
	defer rec.Release()

	stream, err := cl.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("transport: open put to stage %d: %w", dst, err)
	}
	wr := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"activations", strconv.Itoa(f.rank)},
	})
	if err := wr.Write(rec); err != nil {
		return fmt.Errorf("transport: write frame to stage %d: %w", dst, err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("transport: close frame to stage %d: %w", dst, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("transport: close put to stage %d: %w", dst, err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("transport: put to stage %d not acknowledged: %w", dst, err)
		}
	}
	metrics.RecordTransportSend(t.SizeBytes())
	return nil
}

func (f *FlightTransport) Recv(ctx context.Context, src int) (*device.Tensor, error) {
	if err := f.checkPeer(src); err != nil {
		return nil, err
	}
	select {
	case t := <-f.svc.inboxes[src]:
		metrics.RecordTransportRecv(t.SizeBytes())
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FlightTransport) Close() error {
	f.mu.Lock()
	for rank, cl := range f.clients {
		cl.Close()
		delete(f.clients, rank)
	}
	f.mu.Unlock()
	f.server.Shutdown()
	return nil
}

func (f *FlightTransport) encodeFrame(t *device.Tensor) (*arrow.Schema, arrow.Record) {
	dims := t.Dims()
	dimStrs := make([]string, len(dims))
	for i, d := range dims {
		dimStrs[i] = strconv.Itoa(d)
	}
	dtype := wireF32
	valueType := arrow.DataType(arrow.PrimitiveTypes.Float32)
	if f.halfWire {
		dtype = wireF16
		valueType = arrow.PrimitiveTypes.Uint16
	}
	md := arrow.NewMetadata(
		[]string{"dims", "dtype", "src"},
		[]string{strings.Join(dimStrs, ","), dtype, strconv.Itoa(f.rank)},
	)
	schema := arrow.NewSchema([]arrow.Field{{Name: "data", Type: valueType}}, &md)

	bldr := array.NewRecordBuilder(f.alloc, schema)
	defer bldr.Release()
	if f.halfWire {
		fb := bldr.Field(0).(*array.Uint16Builder)
		fb.Reserve(len(t.Data()))
		for _, v := range t.Data() {
			fb.Append(float16.Fromfloat32(v).Bits())
		}
	} else {
		bldr.Field(0).(*array.Float32Builder).AppendValues(t.Data(), nil)
	}
	return schema, bldr.NewRecord()
}

// inboxService receives DoPut streams and fans frames out to per-source
// channels that Recv drains.
type inboxService struct {
	flight.BaseFlightServer
	inboxes []chan *device.Tensor
}

func newInboxService(size int) *inboxService {
	s := &inboxService{inboxes: make([]chan *device.Tensor, size)}
	for i := range s.inboxes {
		s.inboxes[i] = make(chan *device.Tensor, 1)
	}
	return s
}

func (s *inboxService) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("transport: open frame reader: %w", err)
	}
	defer rdr.Release()
	for rdr.Next() {
		t, src, err := decodeFrame(rdr.Record())
		if err != nil {
			return err
		}
		if src < 0 || src >= len(s.inboxes) {
			return fmt.Errorf("transport: frame from unknown stage %d", src)
		}
		select {
		case s.inboxes[src] <- t:
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
	return rdr.Err()
}

func decodeFrame(rec arrow.Record) (*device.Tensor, int, error) {
	md := rec.Schema().Metadata()
	dimsStr, err := metaValue(md, "dims")
	if err != nil {
		return nil, 0, err
	}
	dtype, err := metaValue(md, "dtype")
	if err != nil {
		return nil, 0, err
	}
	srcStr, err := metaValue(md, "src")
	if err != nil {
		return nil, 0, err
	}
	src, err := strconv.Atoi(srcStr)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: bad source rank %q: %w", srcStr, err)
	}

	parts := strings.Split(dimsStr, ",")
	dims := make([]int, len(parts))
	elems := 1
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d <= 0 {
			return nil, 0, fmt.Errorf("transport: bad frame dims %q", dimsStr)
		}
		dims[i] = d
		elems *= d
	}

	t := device.New(dims...)
	col := rec.Column(0)
	switch dtype {
	case wireF32:
		vals := col.(*array.Float32).Float32Values()
		if len(vals) != elems {
			return nil, 0, fmt.Errorf("transport: frame carries %d values for dims %v", len(vals), dims)
		}
		copy(t.Data(), vals)
	case wireF16:
		bits := col.(*array.Uint16).Uint16Values()
		if len(bits) != elems {
			return nil, 0, fmt.Errorf("transport: frame carries %d values for dims %v", len(bits), dims)
		}
		for i, b := range bits {
			t.Data()[i] = float16.Frombits(b).Float32()
		}
	default:
		return nil, 0, fmt.Errorf("transport: unknown frame dtype %q", dtype)
	}
	return t, src, nil
}

func metaValue(md arrow.Metadata, key string) (string, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return "", fmt.Errorf("transport: frame missing %q metadata", key)
	}
	return md.Values()[idx], nil
}
