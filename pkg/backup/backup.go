// Package backup writes versioned, compressed snapshots of arbitrary values
// to a Storage and reads them back.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"boardnet/pkg/codec"

	"github.com/klauspost/compress/zstd"
)

// Storage is where archives live. Names are flat; List returns the names
// starting with prefix.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

const (
	suffix     = ".cbor.zst"
	timeLayout = "20060102T150405.000Z"
)

var ErrNoBackups = errors.New("backup: no archives found")

// envelope wraps every archived payload.
type envelope struct {
	Version   int              `cbor:"v"`
	CreatedAt time.Time        `cbor:"at"`
	Payload   codec.RawMessage `cbor:"p"`
}

// Archive names archives "<prefix>-<UTC timestamp>.cbor.zst", so the
// lexical order of names is their age order.
type Archive struct {
	storage Storage
	prefix  string
	version int
	now     func() time.Time
}

func NewArchive(storage Storage, prefix string, version int) *Archive {
	return &Archive{storage: storage, prefix: prefix, version: version, now: time.Now}
}

func (a *Archive) name(at time.Time) string {
	return a.prefix + "-" + at.UTC().Format(timeLayout) + suffix
}

// CreatedAt parses the creation time out of an archive name.
func (a *Archive) CreatedAt(name string) (time.Time, error) {
	ts := strings.TrimSuffix(strings.TrimPrefix(name, a.prefix+"-"), suffix)
	return time.Parse(timeLayout, ts)
}

// Save archives v and returns the archive name.
func (a *Archive) Save(ctx context.Context, v any) (string, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("backup: encoding payload: %w", err)
	}
	now := a.now()
	data, err := codec.Marshal(envelope{Version: a.version, CreatedAt: now.UTC(), Payload: payload})
	if err != nil {
		return "", fmt.Errorf("backup: encoding envelope: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	name := a.name(now)
	if err := a.storage.Save(ctx, name, pr); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("backup: saving %s: %w", name, err)
	}
	return name, nil
}

// Load decodes the archive called name into v and reports when it was
// written. Archives of a newer version than the reader are refused.
func (a *Archive) Load(ctx context.Context, name string, v any) (time.Time, error) {
	r, err := a.storage.Load(ctx, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("backup: loading %s: %w", name, err)
	}
	defer r.Close()

	dec, err := zstd.NewReader(r)
	if err != nil {
		return time.Time{}, fmt.Errorf("backup: %s: %w", name, err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return time.Time{}, fmt.Errorf("backup: decompressing %s: %w", name, err)
	}

	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return time.Time{}, fmt.Errorf("backup: decoding %s: %w", name, err)
	}
	if env.Version > a.version {
		return time.Time{}, fmt.Errorf("backup: %s has version %d, newer than %d", name, env.Version, a.version)
	}
	if err := codec.Unmarshal(env.Payload, v); err != nil {
		return time.Time{}, fmt.Errorf("backup: decoding payload of %s: %w", name, err)
	}
	return env.CreatedAt, nil
}

// List returns the archive names, oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	names, err := a.storage.List(ctx, a.prefix+"-")
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasSuffix(n, suffix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (a *Archive) Latest(ctx context.Context) (string, error) {
	names, err := a.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoBackups
	}
	return names[len(names)-1], nil
}

// Prune deletes all but the newest keep archives and returns how many it
// removed.
func (a *Archive) Prune(ctx context.Context, keep int) (int, error) {
	names, err := a.List(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	removed := 0
	for len(names) > keep {
		if err := a.storage.Delete(ctx, names[0]); err != nil {
			return removed, fmt.Errorf("backup: deleting %s: %w", names[0], err)
		}
		names = names[1:]
		removed++
	}
	return removed, nil
}
