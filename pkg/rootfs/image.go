// Package rootfs opens the operator's root filesystem image, transparently
// decompressing it, and checks that it holds an ext4 filesystem before any
// device is touched.
package rootfs

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// Compression identifies the container format of an image file.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
	XZ   Compression = "xz"
	LZ4  Compression = "lz4"
)

var magics = []struct {
	kind  Compression
	magic []byte
}{
	{XZ, []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}},
	{Zstd, []byte{0x28, 0xB5, 0x2F, 0xFD}},
	{Gzip, []byte{0x1F, 0x8B}},
	{LZ4, []byte{0x04, 0x22, 0x4D, 0x18}},
}

const (
	ext4MagicOffset = 1080
	ext4Magic       = 0xEF53
)

// Image is an opened rootfs image. Reading it yields the raw ext4 bytes and
// hashes them on the way through.
type Image struct {
	Path        string
	Compression Compression
	// Size is the raw image size, 0 when it is only known after decompression.
	Size int64

	file   *os.File
	closer func()
	reader io.Reader
	hasher hash.Hash
}

// Open validates and opens the image at path.
func Open(path string) (*Image, error) {
	if err := checkPlatform(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrImageNotFound, path)
		}
		return nil, errors.Wrap(err, "failed to stat rootfs image")
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", errors.ErrInvalidImage, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open rootfs image")
	}

	img := &Image{Path: path, file: f, closer: func() {}}
	br := bufio.NewReader(f)
	head, _ := br.Peek(6)
	img.Compression = detect(head)

	var raw io.Reader
	switch img.Compression {
	case None:
		raw = br
		img.Size = info.Size()
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidImage, err)
		}
		raw, img.closer = zr, func() { zr.Close() }
	case Zstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidImage, err)
		}
		raw, img.closer = zr, zr.Close
	case XZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidImage, err)
		}
		raw = xr
	case LZ4:
		raw = lz4.NewReader(br)
	}

	superblock := make([]byte, ext4MagicOffset+2)
	n, err := io.ReadFull(raw, superblock)
	if err != nil || !isExt4(superblock[:n]) {
		img.Close()
		slog.Error("rootfs_invalid", "path", path, "compression", img.Compression)
		return nil, fmt.Errorf("%w: %s is not an ext4 image", errors.ErrInvalidImage, path)
	}

	img.hasher = blake3.New()
	img.reader = io.TeeReader(io.MultiReader(bytes.NewReader(superblock), raw), img.hasher)

	slog.Info("rootfs_opened", "path", path, "compression", img.Compression, "size", img.Size)
	return img, nil
}

// Validate checks the image without keeping it open.
func Validate(path string) error {
	img, err := Open(path)
	if err != nil {
		return err
	}
	return img.Close()
}

func detect(head []byte) Compression {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.kind
		}
	}
	return None
}

func isExt4(b []byte) bool {
	if len(b) < ext4MagicOffset+2 {
		return false
	}
	return binary.LittleEndian.Uint16(b[ext4MagicOffset:]) == ext4Magic
}

func (i *Image) Read(p []byte) (int, error) {
	return i.reader.Read(p)
}

// Fingerprint returns the BLAKE3 digest of the bytes read so far.
func (i *Image) Fingerprint() string {
	return hex.EncodeToString(i.hasher.Sum(nil))
}

func (i *Image) Close() error {
	i.closer()
	return i.file.Close()
}
