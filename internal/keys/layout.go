// Package keys lays files, pages, counters and document locations out in the
// ordered key space.
package keys

import (
	"fmt"
	"strings"

	"github.com/sekai02/kvindex/internal/kv"
)

// Path encodes a slash separated keyspace path. Empty segments are skipped,
// so "a//b/" and "a/b" name the same keyspace.
func Path(path string) Tuple {
	var t Tuple
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		t = t.AppendString(seg)
	}
	return t
}

// Directory is the key layout of one virtual directory.
type Directory struct {
	prefix Tuple
}

func NewDirectory(prefix Tuple) Directory {
	return Directory{prefix: Tuple(prefix.Bytes())}
}

func (d Directory) Prefix() Tuple {
	return d.prefix
}

func (d Directory) Range() kv.Range {
	return d.prefix.Range()
}

func (d Directory) MetaKey(name string) []byte {
	return d.prefix.AppendString("meta").AppendString(name)
}

func (d Directory) MetaRange() kv.Range {
	return d.prefix.AppendString("meta").Range()
}

func (d Directory) PageKey(name string, page uint32) []byte {
	return d.prefix.AppendString("page").AppendString(name).AppendUint32(page)
}

// PageRange covers every page of name.
func (d Directory) PageRange(name string) kv.Range {
	return d.prefix.AppendString("page").AppendString(name).Range()
}

// PageSpan covers pages first..last of name, inclusive.
func (d Directory) PageSpan(name string, first, last uint32) kv.Range {
	return kv.Range{
		Begin: d.PageKey(name, first),
		End:   kv.KeyRange(d.PageKey(name, last)).End,
	}
}

// Sequence is the allocator keyspace handing out creation sequence numbers.
func (d Directory) Sequence() Tuple {
	return d.prefix.AppendString("seq")
}

// Documents is the keyspace of the batch writer working on this directory.
func (d Directory) Documents() Tuple {
	return d.prefix.AppendString("docs")
}

// Identifiers is the default allocator keyspace for document ids.
func (d Directory) Identifiers() Tuple {
	return d.prefix.AppendString("ids")
}

func (d Directory) FileName(metaKey []byte) (string, error) {
	rest, err := d.strip(metaKey)
	if err != nil {
		return "", err
	}
	dec := &decoder{buf: rest}
	if tag, err := dec.string(); err != nil || tag != "meta" {
		return "", fmt.Errorf("%w: not a meta key", ErrMalformedKey)
	}
	name, err := dec.string()
	if err != nil {
		return "", err
	}
	if !dec.done() {
		return "", fmt.Errorf("%w: trailing bytes after file name", ErrMalformedKey)
	}
	return name, nil
}

func (d Directory) PageIndex(pageKey []byte) (string, uint32, error) {
	rest, err := d.strip(pageKey)
	if err != nil {
		return "", 0, err
	}
	dec := &decoder{buf: rest}
	if tag, err := dec.string(); err != nil || tag != "page" {
		return "", 0, fmt.Errorf("%w: not a page key", ErrMalformedKey)
	}
	name, err := dec.string()
	if err != nil {
		return "", 0, err
	}
	page, err := dec.uint32()
	if err != nil {
		return "", 0, err
	}
	if !dec.done() {
		return "", 0, fmt.Errorf("%w: trailing bytes after page index", ErrMalformedKey)
	}
	return name, page, nil
}

func (d Directory) strip(key []byte) ([]byte, error) {
	if len(key) < len(d.prefix) || string(key[:len(d.prefix)]) != string(d.prefix) {
		return nil, fmt.Errorf("%w: key outside directory", ErrMalformedKey)
	}
	return key[len(d.prefix):], nil
}

// CounterKey is the single atomic-add counter of an allocator keyspace.
func CounterKey(prefix Tuple) []byte {
	return prefix.AppendString("counter")
}

func ShardCounterKey(prefix Tuple, shard uint32) []byte {
	return prefix.AppendString("counter").AppendUint32(shard)
}

func DocumentKey(prefix Tuple, id uint64) []byte {
	return prefix.AppendString("doc").AppendUint64(id)
}

func DocumentRange(prefix Tuple) kv.Range {
	return prefix.AppendString("doc").Range()
}

func DocumentID(prefix Tuple, key []byte) (uint64, error) {
	if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
		return 0, fmt.Errorf("%w: key outside document keyspace", ErrMalformedKey)
	}
	dec := &decoder{buf: key[len(prefix):]}
	if tag, err := dec.string(); err != nil || tag != "doc" {
		return 0, fmt.Errorf("%w: not a document key", ErrMalformedKey)
	}
	id, err := dec.uint64()
	if err != nil {
		return 0, err
	}
	if !dec.done() {
		return 0, fmt.Errorf("%w: trailing bytes after document id", ErrMalformedKey)
	}
	return id, nil
}
