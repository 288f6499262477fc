// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package snapshot

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/Fantom-foundation/accountsdb/backend/storage"
	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

var logger = log.New("pkg", "snapshot")

const (
	entriesPerChunk = 1024

	// maxFileLength bounds the size of a single storage file accepted from a
	// snapshot stream.
	maxFileLength = 1 << 36
)

type Options struct {
	// Version selects the format to produce. Zero selects CurrentVersion.
	Version uint16
	// ExternalFiles omits the raw content of the storage files.
	ExternalFiles bool
}

// Encode writes the given image to the output stream. Files are written in
// ID order and entries in key order, so encoding the same state always
// produces the same stream. The files must not be modified concurrently.
func Encode(out io.Writer, image *Image, opts Options) error {
	version := opts.Version
	if version == 0 {
		version = CurrentVersion
	}
	if version != VersionRaw && version != VersionSnappy {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	files := slices.Clone(image.Files)
	slices.SortFunc(files, func(a, b storage.File) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	entries := slices.Clone(image.Entries)
	slices.SortFunc(entries, compareEntries)
	roots := slices.Clone(image.Roots)
	slices.Sort(roots)
	roots = slices.Compact(roots)

	manifest := Manifest{
		Files:   make([]FileInfo, 0, len(files)),
		Entries: uint64(len(entries)),
		Roots:   roots,
	}
	for _, file := range files {
		digest := xxhash.New()
		n, err := file.WriteTo(digest)
		if err != nil {
			return fmt.Errorf("failed to read storage file %d: %w", file.ID(), err)
		}
		manifest.Files = append(manifest.Files, FileInfo{
			ID:       file.ID(),
			Slot:     file.Slot(),
			Length:   uint64(n),
			Checksum: digest.Sum64(),
		})
	}

	header := image.Header
	header.Version = version
	header.Flags &^= FlagExternalFiles
	if opts.ExternalFiles {
		header.Flags |= FlagExternalFiles
	}
	data, err := header.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		return err
	}

	var body interface {
		io.Writer
		Flush() error
	}
	var closer io.Closer
	if version == VersionSnappy {
		writer := snappy.NewBufferedWriter(out)
		body, closer = writer, writer
	} else {
		body = bufio.NewWriter(out)
	}

	if opts.ExternalFiles {
		files = nil
	}
	err = encodeBody(body, &manifest, files, entries)
	if err == nil {
		err = body.Flush()
	}
	if closer != nil {
		err = errors.Join(err, closer.Close())
	}
	if err != nil {
		return err
	}
	logger.Debug("Encoded snapshot", "slot", header.Slot, "version", version, "files", len(files), "entries", len(entries))
	return nil
}

func encodeBody(out io.Writer, manifest *Manifest, files []storage.File, entries []Entry) error {
	if err := rlp.Encode(out, manifest); err != nil {
		return err
	}
	for i, file := range files {
		n, err := file.WriteTo(out)
		if err != nil {
			return fmt.Errorf("failed to write storage file %d: %w", file.ID(), err)
		}
		if uint64(n) != manifest.Files[i].Length {
			return fmt.Errorf("storage file %d was modified while being written", file.ID())
		}
	}
	for len(entries) > 0 {
		chunk := entries[:min(len(entries), entriesPerChunk)]
		if err := rlp.Encode(out, chunk); err != nil {
			return err
		}
		entries = entries[len(chunk):]
	}
	return nil
}

// Decode reads a snapshot stream of any supported version, importing the
// contained storage files through the given factory. Any inconsistency in
// the stream is reported as ErrCorrupt; files imported before a failure are
// discarded.
func Decode(in io.Reader, factory storage.Factory) (*Image, error) {
	data := make([]byte, HeaderSize)
	if _, err := io.ReadFull(in, data); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %w", ErrCorrupt, err)
	}
	res := &Image{}
	if err := res.Header.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	var body *bufio.Reader
	switch res.Header.Version {
	case VersionRaw:
		body = bufio.NewReader(in)
	case VersionSnappy:
		body = bufio.NewReader(snappy.NewReader(in))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, res.Header.Version)
	}

	res.external = res.Header.Flags&FlagExternalFiles != 0
	if err := decodeBody(body, factory, res); err != nil {
		return nil, errors.Join(err, res.Discard())
	}
	logger.Debug("Decoded snapshot", "slot", res.Header.Slot, "version", res.Header.Version, "files", len(res.Files), "entries", len(res.Entries))
	return res, nil
}

func decodeBody(in *bufio.Reader, factory storage.Factory, res *Image) error {
	var manifest Manifest
	if err := rlp.Decode(in, &manifest); err != nil {
		return fmt.Errorf("%w: invalid manifest: %w", ErrCorrupt, err)
	}
	res.Roots = manifest.Roots

	known := make(map[storage.FileID]struct{}, len(manifest.Files))
	for i, info := range manifest.Files {
		if i > 0 && manifest.Files[i-1].ID >= info.ID {
			return fmt.Errorf("%w: files not in ID order", ErrCorrupt)
		}
		if info.Length > maxFileLength {
			return fmt.Errorf("%w: file %d of %d bytes exceeds limit", ErrCorrupt, info.ID, info.Length)
		}
		var (
			file storage.File
			err  error
		)
		if res.external {
			file, err = openExternal(factory, &info)
		} else {
			file, err = importFile(in, factory, &info)
		}
		if err != nil {
			return err
		}
		res.Files = append(res.Files, file)
		known[info.ID] = struct{}{}
	}

	res.Entries = make([]Entry, 0, int(min(manifest.Entries, entriesPerChunk)))
	for uint64(len(res.Entries)) < manifest.Entries {
		var chunk []Entry
		if err := rlp.Decode(in, &chunk); err != nil {
			return fmt.Errorf("%w: failed to read index entries: %w", ErrCorrupt, err)
		}
		if len(chunk) == 0 || uint64(len(res.Entries)+len(chunk)) > manifest.Entries {
			return fmt.Errorf("%w: index entry count mismatch", ErrCorrupt)
		}
		for _, entry := range chunk {
			if _, found := known[entry.File]; !found {
				return fmt.Errorf("%w: entry of %v refers to unknown file %d", ErrCorrupt, entry.Key, entry.File)
			}
			if n := len(res.Entries); n > 0 && compareEntries(res.Entries[n-1], entry) >= 0 {
				return fmt.Errorf("%w: index entries not in order", ErrCorrupt)
			}
			res.Entries = append(res.Entries, entry)
		}
	}
	return nil
}

func importFile(in io.Reader, factory storage.Factory, info *FileInfo) (storage.File, error) {
	raw := make([]byte, info.Length)
	if _, err := io.ReadFull(in, raw); err != nil {
		return nil, fmt.Errorf("%w: failed to read file %d: %w", ErrCorrupt, info.ID, err)
	}
	if got := xxhash.Sum64(raw); got != info.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch in file %d", ErrCorrupt, info.ID)
	}
	file, err := factory.Import(info.ID, info.Slot, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to import file %d: %w", info.ID, err)
	}
	return file, nil
}

func openExternal(factory storage.Factory, info *FileInfo) (storage.File, error) {
	opener, ok := factory.(storage.Opener)
	if !ok {
		return nil, ErrNoExternalFiles
	}
	file, err := opener.Open(info.ID, info.Slot)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %d: %w", info.ID, err)
	}
	digest := xxhash.New()
	if _, err := file.WriteTo(digest); err != nil {
		return nil, errors.Join(err, file.Close())
	}
	if file.Len() != info.Length || digest.Sum64() != info.Checksum {
		return nil, errors.Join(
			fmt.Errorf("%w: content of file %d does not match manifest", ErrCorrupt, info.ID),
			file.Close(),
		)
	}
	return file, nil
}

func discard(files []storage.File) error {
	var errs []error
	for _, file := range files {
		if file.Status() == storage.Reclaimed {
			continue
		}
		if err := file.MarkObsolete(); err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, file.Reclaim())
	}
	return errors.Join(errs...)
}

func compareEntries(a, b Entry) int {
	if c := a.Key.Compare(&b.Key); c != 0 {
		return c
	}
	return cmp.Compare(a.Slot, b.Slot)
}
