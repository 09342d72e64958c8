package memory

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"time"
)

// Snapshot layout (little endian):
//
//	magic "ATVX" | version u16 | reserved u16 | dim u32 | count u32
//	count x { source_id i64 | created_at i64 | role u16+bytes | text u32+bytes | dim x f32 }
//	crc32(IEEE) u32 over everything before it
const (
	snapshotMagic   = "ATVX"
	snapshotVersion = uint16(1)
	snapshotHeader  = 4 + 2 + 2 + 4 + 4
	crcSize         = 4

	// minimum bytes a document occupies before its vector
	docFixedSize = 8 + 8 + 2 + 4

	zeroTime = math.MinInt64
)

func encodeSnapshot(dim int, docs []Document) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(snapshotHeader + len(docs)*(docFixedSize+4*dim+64) + crcSize)

	buf.WriteString(snapshotMagic)
	le := binary.LittleEndian
	var scratch [8]byte

	le.PutUint16(scratch[:2], snapshotVersion)
	buf.Write(scratch[:2])
	le.PutUint16(scratch[:2], 0)
	buf.Write(scratch[:2])
	le.PutUint32(scratch[:4], uint32(dim))
	buf.Write(scratch[:4])
	le.PutUint32(scratch[:4], uint32(len(docs)))
	buf.Write(scratch[:4])

	for _, doc := range docs {
		if len(doc.Embedding) != dim {
			return nil, ErrDimensionMismatch
		}
		le.PutUint64(scratch[:8], uint64(doc.SourceID))
		buf.Write(scratch[:8])

		ts := int64(zeroTime)
		if !doc.Metadata.CreatedAt.IsZero() {
			ts = doc.Metadata.CreatedAt.UnixNano()
		}
		le.PutUint64(scratch[:8], uint64(ts))
		buf.Write(scratch[:8])

		le.PutUint16(scratch[:2], uint16(len(doc.Metadata.Role)))
		buf.Write(scratch[:2])
		buf.WriteString(doc.Metadata.Role)

		le.PutUint32(scratch[:4], uint32(len(doc.Text)))
		buf.Write(scratch[:4])
		buf.WriteString(doc.Text)

		for _, v := range doc.Embedding {
			le.PutUint32(scratch[:4], math.Float32bits(v))
			buf.Write(scratch[:4])
		}
	}

	le.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(scratch[:4])

	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (int, []Document, error) {
	if len(data) < snapshotHeader+crcSize {
		return 0, nil, corruptf("snapshot too short (%d bytes)", len(data))
	}
	if string(data[:4]) != snapshotMagic {
		return 0, nil, corruptf("bad snapshot magic")
	}

	body := data[:len(data)-crcSize]
	want := binary.LittleEndian.Uint32(data[len(data)-crcSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return 0, nil, corruptf("snapshot checksum mismatch")
	}

	r := &byteReader{buf: body, off: 4}
	version, _ := r.u16()
	if version != snapshotVersion {
		return 0, nil, corruptf("unsupported snapshot version %d", version)
	}
	r.u16()
	dim32, _ := r.u32()
	count32, _ := r.u32()
	dim, count := int(dim32), int(count32)

	// Reject counts the payload cannot possibly hold before allocating
	if count > 0 && (r.remaining()/(docFixedSize+4*dim)) < count {
		return 0, nil, corruptf("snapshot claims %d documents", count)
	}

	docs := make([]Document, 0, count)
	for i := 0; i < count; i++ {
		doc, ok := r.document(dim)
		if !ok {
			return 0, nil, corruptf("truncated document %d", i)
		}
		docs = append(docs, doc)
	}
	if r.remaining() != 0 {
		return 0, nil, corruptf("%d trailing bytes", r.remaining())
	}

	return dim, docs, nil
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *byteReader) take(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *byteReader) u16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (r *byteReader) u32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *byteReader) u64() (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (r *byteReader) document(dim int) (Document, bool) {
	var doc Document

	id, ok := r.u64()
	if !ok {
		return doc, false
	}
	ts, ok := r.u64()
	if !ok {
		return doc, false
	}
	roleLen, ok := r.u16()
	if !ok {
		return doc, false
	}
	role, ok := r.take(int(roleLen))
	if !ok {
		return doc, false
	}
	textLen, ok := r.u32()
	if !ok {
		return doc, false
	}
	text, ok := r.take(int(textLen))
	if !ok {
		return doc, false
	}
	raw, ok := r.take(4 * dim)
	if !ok {
		return doc, false
	}

	doc.SourceID = int64(id)
	doc.Text = string(text)
	doc.Metadata.Role = string(role)
	if int64(ts) != zeroTime {
		doc.Metadata.CreatedAt = time.Unix(0, int64(ts)).UTC()
	}
	doc.Embedding = make([]float32, dim)
	for i := range doc.Embedding {
		doc.Embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return doc, true
}
