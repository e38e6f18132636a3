package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// MaxBodySize caps ReadAll.
const MaxBodySize = 1 << 20

type Kind uint8

const (
	KindBytes Kind = iota + 1
	KindFile
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindFile:
		return "file"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrUnknownBlob = errors.New("unknown blob")
	ErrBadChunk    = errors.New("bad upload chunk")
	ErrTooLarge    = errors.New("upload body too large")
)

// Chunk is one piece of an upload body: raw bytes, a local file path, or a
// blob held by the request session.
type Chunk struct {
	Kind  Kind
	Bytes []byte
	Path  string
	Blob  uuid.UUID
}

func BytesChunk(b []byte) Chunk    { return Chunk{Kind: KindBytes, Bytes: b} }
func FileChunk(path string) Chunk  { return Chunk{Kind: KindFile, Path: path} }
func BlobChunk(id uuid.UUID) Chunk { return Chunk{Kind: KindBlob, Blob: id} }

// BlobSource resolves session blobs.
type BlobSource interface {
	BlobData(ctx context.Context, id uuid.UUID) ([]byte, error)
}

// MemoryBlobs is an in-process BlobSource.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[uuid.UUID][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[uuid.UUID][]byte)}
}

// Put stores a copy of data and returns its id.
func (m *MemoryBlobs) Put(data []byte) uuid.UUID {
	id := uuid.New()
	m.mu.Lock()
	m.blobs[id] = append([]byte(nil), data...)
	m.mu.Unlock()
	return id
}

func (m *MemoryBlobs) BlobData(_ context.Context, id uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlob, id)
	}
	return b, nil
}

// NewReader concatenates chunks, in order, into one stream. A failing chunk
// surfaces as the reader's error. blobs may be nil when no chunk is a blob.
func NewReader(ctx context.Context, chunks []Chunk, blobs BlobSource) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeChunks(ctx, pw, chunks, blobs))
	}()
	return pr
}

func writeChunks(ctx context.Context, w io.Writer, chunks []Chunk, blobs BlobSource) error {
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch c.Kind {
		case KindBytes:
			if _, err := w.Write(c.Bytes); err != nil {
				return err
			}
		case KindFile:
			if err := copyFile(w, c.Path); err != nil {
				return fmt.Errorf("upload chunk %d: %w", i, err)
			}
		case KindBlob:
			if blobs == nil {
				return fmt.Errorf("upload chunk %d: %w: %s", i, ErrUnknownBlob, c.Blob)
			}
			data, err := blobs.BlobData(ctx, c.Blob)
			if err != nil {
				return fmt.Errorf("upload chunk %d: %w", i, err)
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: chunk %d has %s", ErrBadChunk, i, c.Kind)
		}
	}
	return nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// ReadAll drains chunks into one byte slice of at most MaxBodySize bytes.
func ReadAll(ctx context.Context, chunks []Chunk, blobs BlobSource) ([]byte, error) {
	r := NewReader(ctx, chunks, blobs)
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBodySize {
		return nil, ErrTooLarge
	}
	return data, nil
}
