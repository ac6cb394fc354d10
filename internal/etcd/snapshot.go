package etcd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

type snapshotStream struct {
	stream pb.Maintenance_SnapshotClient
	first  *pb.SnapshotResponse
}

// Snapshot streams a backend snapshot of the connected member into path,
// reporting progress after every chunk. Cancelling ctx stops the transfer;
// the file then holds exactly the bytes reported so far. The request
// timeout does not apply.
func (c *Connector) Snapshot(ctx context.Context, path string, progress func(SnapshotProgress)) (int64, error) {
	if path == "" {
		return 0, apperr.Argument("snapshot path is required")
	}
	if err := c.ready(); err != nil {
		return 0, err
	}
	if progress == nil {
		progress = func(SnapshotProgress) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The server uses the connection's auth token, so opening the stream and
	// the first chunk go through the re-authenticating path.
	s, err := Do(ctx, c.auth, func(ctx context.Context, cli *clientv3.Client) (snapshotStream, error) {
		stream, err := pb.NewMaintenanceClient(cli.ActiveConnection()).Snapshot(ctx, &pb.SnapshotRequest{})
		if err != nil {
			return snapshotStream{}, err
		}
		first, err := stream.Recv()
		if err != nil && !errors.Is(err, io.EOF) {
			return snapshotStream{}, err
		}
		return snapshotStream{stream: stream, first: first}, nil
	})
	if err != nil {
		if c.State() == StateClosed {
			return 0, apperr.ErrConnectionLost
		}
		return 0, apperr.FromEtcd(err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create snapshot directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create snapshot file: %w", err)
	}

	pending := s.first
	recv := func() (*pb.SnapshotResponse, error) {
		if pending != nil {
			r := pending
			pending = nil
			return r, nil
		}
		return s.stream.Recv()
	}
	n, err := writeSnapshot(ctx, recv, f, progress)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close snapshot file: %w", cerr)
	}
	if err != nil {
		log.Printf("[etcd] snapshot to %s stopped after %d bytes: %v", path, n, err)
		return n, err
	}
	log.Printf("[etcd] snapshot of %s written to %s (%d bytes)", c.endpoint, path, n)
	return n, nil
}

// writeSnapshot copies chunks from recv into w until EOF, ctx is done or
// an error occurs. It returns the number of bytes written.
func writeSnapshot(ctx context.Context, recv func() (*pb.SnapshotResponse, error), w io.Writer, progress func(SnapshotProgress)) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		resp, err := recv()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return written, cerr
			}
			err = apperr.FromEtcd(err)
			progress(SnapshotProgress{Received: written, Err: err})
			return written, err
		}

		n, err := w.Write(resp.Blob)
		written += int64(n)
		if err != nil {
			err = fmt.Errorf("write snapshot: %w", err)
			progress(SnapshotProgress{Received: written, Err: err})
			return written, err
		}
		progress(SnapshotProgress{Received: written, Remaining: int64(resp.RemainingBytes)})
	}
}
