package grpc

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tracetab/tracetab/pkg/types"
)

// LoadInfo is what the server reports about a load.
type LoadInfo struct {
	LoadID  string
	Rows    int
	Width   int
	Stop    string
	Warning string
}

// Client calls the trace service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// LoadTrace asks the server to load the trace at path.
func (c *Client) LoadTrace(ctx context.Context, path string, opts ...grpc.CallOption) (*LoadInfo, error) {
	var header, trailer metadata.MD
	opts = append(opts, grpc.Header(&header), grpc.Trailer(&trailer))
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/LoadTrace", wrapperspb.String(path), out, opts...); err != nil {
		return nil, err
	}

	info := &LoadInfo{
		LoadID:  first(header, MetaLoadID),
		Stop:    first(header, MetaStop),
		Warning: first(trailer, MetaWarning),
	}
	var err error
	if info.Rows, err = intHeader(header, MetaRows); err != nil {
		return nil, err
	}
	if info.Width, err = intHeader(header, MetaWidth); err != nil {
		return nil, err
	}
	return info, nil
}

// GetData fetches the loaded table, reassembling the streamed chunks.
func (c *Client) GetData(ctx context.Context, opts ...grpc.CallOption) (types.Table, error) {
	stream, err := c.cc.NewStream(ctx, &TraceServiceDesc.Streams[0], "/"+ServiceName+"/GetData", opts...)
	if err != nil {
		return types.Table{}, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return types.Table{}, err
	}
	if err := stream.CloseSend(); err != nil {
		return types.Table{}, err
	}

	var body []byte
	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.Table{}, err
		}
		body = append(body, chunk.GetValue()...)
	}

	header, err := stream.Header()
	if err != nil {
		return types.Table{}, err
	}
	width, err := intHeader(header, MetaWidth)
	if err != nil {
		return types.Table{}, err
	}
	rows, err := intHeader(header, MetaRows)
	if err != nil {
		return types.Table{}, err
	}
	layout, err := types.NewLayout(width - types.BaseFields)
	if err != nil {
		return types.Table{}, fmt.Errorf("server sent width %d: %w", width, err)
	}
	data, err := types.DecodeMatrix(body, width)
	if err != nil {
		return types.Table{}, err
	}
	t, err := types.NewTable(layout, data, 0, first(header, MetaLoadID))
	if err != nil {
		return types.Table{}, err
	}
	if t.Rows() != rows {
		return types.Table{}, fmt.Errorf("received %d rows, server announced %d", t.Rows(), rows)
	}
	if want := first(header, MetaFingerprint); want != "" && want != t.Fingerprint() {
		return types.Table{}, fmt.Errorf("table fingerprint mismatch: server %s, received %s", want, t.Fingerprint())
	}
	return t, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func intHeader(md metadata.MD, key string) (int, error) {
	v := first(md, key)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("missing or invalid %s header %q", key, v)
	}
	return n, nil
}
