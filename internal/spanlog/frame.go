package spanlog

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
)

const (
	headerSize   = 8
	maxFrameSize = 16 << 20
)

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

type scanResult struct {
	lastSeq    uint64
	goodOffset int64
	torn       bool // file ends inside a frame
}

// scanFile walks every frame. fn may be nil.
func scanFile(path string, codec Codec, fn Handler) (scanResult, error) {
	var res scanResult

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return res, &CorruptionError{Cause: err}
		}
		defer zr.Close()
		src = zr
	}
	r := bufio.NewReader(src)

	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return res, nil
			}
			res.torn = errors.Is(err, io.ErrUnexpectedEOF)
			return res, &CorruptionError{Seq: res.lastSeq, Offset: res.goodOffset, Cause: err}
		}

		size := binary.BigEndian.Uint32(hdr[0:4])
		sum := binary.BigEndian.Uint32(hdr[4:8])
		if size > maxFrameSize {
			return res, &CorruptionError{
				Seq: res.lastSeq, Offset: res.goodOffset,
				Cause: fmt.Errorf("frame of %d bytes exceeds limit", size),
			}
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			res.torn = errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF
			return res, &CorruptionError{Seq: res.lastSeq, Offset: res.goodOffset, Cause: err}
		}
		if actual := crc32.ChecksumIEEE(payload); actual != sum {
			return res, &ChecksumError{Offset: res.goodOffset, Expected: sum, Actual: actual}
		}

		var rec Record
		if err := codec.Unmarshal(payload, &rec); err != nil {
			return res, &CorruptionError{Seq: res.lastSeq, Offset: res.goodOffset, Cause: err}
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return res, err
			}
		}
		res.lastSeq = rec.Seq
		res.goodOffset += headerSize + int64(size)
	}
}
