// Package reportpb defines the wire framing for reports sent to satellite
// collectors: a header, a metrics snapshot, and a sequence of already
// serialized span records. Messages are hand-marshaled in the same
// tag/varint wire format protoc-gogo would generate, since the span schema
// itself lives with the (external) tracing API and only the framing belongs
// here.
package reportpb

import (
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"

	"github.com/relaytrace/relaytrace-go/internal/fragment"
)

const (
	tagHeaderField  = 1<<3 | 2 // embedded message, length-delimited
	tagMetricsField = 2<<3 | 2
	tagSpanField    = 3<<3 | 2
	tagSpansBlob    = 4<<3 | 2
)

// ReportHeader identifies the reporter to the satellite and, when the
// report's span payload is compressed, carries the flag plus the
// uncompressed/compressed length pair a satellite needs to size a decode
// buffer and to tell a compressed report apart from a plain one.
type ReportHeader struct {
	AccessToken string
	ReporterID  uint64
	Tags        map[string]string

	SpansCompressed         bool
	SpansUncompressedLength uint64
	SpansCompressedLength   uint64
}

// Size returns the marshaled length of the header message.
func (h *ReportHeader) Size() int {
	n := 0
	if h.AccessToken != "" {
		n += sovTag(1) + sovVarint(uint64(len(h.AccessToken))) + len(h.AccessToken)
	}
	if h.ReporterID != 0 {
		n += sovTag(2) + sovVarint(h.ReporterID)
	}
	for k, v := range h.Tags {
		kv := sovTag(1) + sovVarint(uint64(len(k))) + len(k) + sovTag(2) + sovVarint(uint64(len(v))) + len(v)
		n += sovTag(3) + sovVarint(uint64(kv)) + kv
	}
	if h.SpansCompressed {
		n += sovTag(4) + sovVarint(1)
		n += sovTag(5) + sovVarint(h.SpansUncompressedLength)
		n += sovTag(6) + sovVarint(h.SpansCompressedLength)
	}
	return n
}

// Marshal encodes the header using the standard protobuf wire format.
func (h *ReportHeader) Marshal() []byte {
	buf := make([]byte, 0, h.Size())
	if h.AccessToken != "" {
		buf = appendTag(buf, 1, 2)
		buf = appendString(buf, h.AccessToken)
	}
	if h.ReporterID != 0 {
		buf = appendTag(buf, 2, 0)
		buf = appendVarint(buf, h.ReporterID)
	}
	for k, v := range h.Tags {
		kv := appendTag(nil, 1, 2)
		kv = appendString(kv, k)
		kv = appendTag(kv, 2, 2)
		kv = appendString(kv, v)
		buf = appendTag(buf, 3, 2)
		buf = appendVarint(buf, uint64(len(kv)))
		buf = append(buf, kv...)
	}
	if h.SpansCompressed {
		buf = appendTag(buf, 4, 0)
		buf = appendVarint(buf, 1)
		buf = appendTag(buf, 5, 0)
		buf = appendVarint(buf, h.SpansUncompressedLength)
		buf = appendTag(buf, 6, 0)
		buf = appendVarint(buf, h.SpansCompressedLength)
	}
	return buf
}

// Unmarshal decodes a header previously produced by Marshal.
func (h *ReportHeader) Unmarshal(data []byte) error {
	h.Tags = nil
	h.SpansCompressed = false
	h.SpansUncompressedLength = 0
	h.SpansCompressedLength = 0
	for len(data) > 0 {
		fieldNum, wireType, n, err := readTag(data)
		if err != nil {
			return err
		}
		data = data[n:]
		switch {
		case fieldNum == 1 && wireType == 2:
			s, n, err := readString(data)
			if err != nil {
				return err
			}
			h.AccessToken = s
			data = data[n:]
		case fieldNum == 2 && wireType == 0:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			h.ReporterID = v
			data = data[n:]
		case fieldNum == 3 && wireType == 2:
			sub, n, err := readBytes(data)
			if err != nil {
				return err
			}
			data = data[n:]
			k, v, err := unmarshalTagPair(sub)
			if err != nil {
				return err
			}
			if h.Tags == nil {
				h.Tags = map[string]string{}
			}
			h.Tags[k] = v
		case fieldNum == 4 && wireType == 0:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			h.SpansCompressed = v != 0
			data = data[n:]
		case fieldNum == 5 && wireType == 0:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			h.SpansUncompressedLength = v
			data = data[n:]
		case fieldNum == 6 && wireType == 0:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			h.SpansCompressedLength = v
			data = data[n:]
		default:
			n, err := skipField(data, wireType)
			if err != nil {
				return err
			}
			data = data[n:]
		}
	}
	return nil
}

func unmarshalTagPair(data []byte) (k, v string, err error) {
	for len(data) > 0 {
		fieldNum, wireType, n, err := readTag(data)
		if err != nil {
			return "", "", err
		}
		data = data[n:]
		if wireType != 2 {
			n, err := skipField(data, wireType)
			if err != nil {
				return "", "", err
			}
			data = data[n:]
			continue
		}
		s, n, err := readString(data)
		if err != nil {
			return "", "", err
		}
		data = data[n:]
		switch fieldNum {
		case 1:
			k = s
		case 2:
			v = s
		}
	}
	return k, v, nil
}

// InternalMetrics carries the spans-dropped count accumulated since the
// previous report, resolving the "num_dropped_spans accepted but never
// stored" gap left by the source implementation.
type InternalMetrics struct {
	SpansDropped uint64
}

// Size returns the marshaled length of the metrics message.
func (m *InternalMetrics) Size() int {
	if m.SpansDropped == 0 {
		return 0
	}
	return sovTag(1) + sovVarint(m.SpansDropped)
}

// Marshal encodes the metrics snapshot.
func (m *InternalMetrics) Marshal() []byte {
	if m.SpansDropped == 0 {
		return nil
	}
	buf := appendTag(nil, 1, 0)
	return appendVarint(buf, m.SpansDropped)
}

// Unmarshal decodes a metrics snapshot previously produced by Marshal.
func (m *InternalMetrics) Unmarshal(data []byte) error {
	m.SpansDropped = 0
	for len(data) > 0 {
		fieldNum, wireType, n, err := readTag(data)
		if err != nil {
			return err
		}
		data = data[n:]
		if fieldNum == 1 && wireType == 0 {
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			m.SpansDropped = v
			data = data[n:]
			continue
		}
		n, err := skipField(data, wireType)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Report assembles a header, an optional metrics snapshot, and zero or more
// already-serialized span fragments into the fragment.Stream emitted on the
// wire for a single flush.
type Report struct {
	Header  ReportHeader
	Metrics InternalMetrics

	spans     *fragment.Stream
	numSpans  int
	compress  bool
	assembled *fragment.Stream
}

// NewReport starts a report for the given header. If compress is true the
// span portion of the report is snappy-compressed before framing.
func NewReport(header ReportHeader, compress bool) *Report {
	return &Report{
		Header:   header,
		spans:    fragment.New(),
		compress: compress,
	}
}

// AddSpanFragment appends one serialized span's bytes to the report,
// framing it with the repeated tagSpanField tag/length pair itself.
func (r *Report) AddSpanFragment(b []byte) {
	if len(b) == 0 {
		return
	}
	r.numSpans++
	// Each span is length-prefixed so the satellite can split them back
	// apart after framing, matching the repeated tagSpanField encoding.
	prefix := appendTag(nil, 3, 2)
	prefix = appendVarint(prefix, uint64(len(b)))
	r.spans.AddFragment(prefix)
	r.spans.AddFragment(b)
}

// AddRawSpanBytes appends bytes that are already self-delimited span
// records — for example, a contiguous region read back from the span ring
// buffer, where each individual span was already framed with FrameSpan by
// the caller supplying RecordSpan's serialize function — directly into the
// report's span payload, without adding a second layer of framing around
// the whole region.
func (r *Report) AddRawSpanBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	r.spans.AddFragment(b)
}

// NumSpans returns how many span fragments have been added via
// AddSpanFragment. Spans added via AddRawSpanBytes are not counted here,
// since the report has no visibility into how many individual spans an
// opaque region holds.
func (r *Report) NumSpans() int { return r.numSpans }

// Assemble freezes the report into a fragment.Stream: header, an optional
// metrics submessage, then the span payload as a single length-delimited
// field (tagSpansBlob), optionally snappy-compressed. Wrapping the span
// payload in its own length-delimited field — rather than appending it bare
// — is what lets DecodeReport recover the header and metrics deterministically
// regardless of what the span bytes themselves contain. Assemble is
// idempotent; the assembled stream is memoized.
func (r *Report) Assemble() *fragment.Stream {
	if r.assembled != nil {
		return r.assembled
	}
	out := fragment.New()

	spanBytes := r.spans.NumBytes()
	compress := r.compress && spanBytes > 0
	var compressed []byte
	if compress {
		compressed = snappy.Encode(nil, r.spans.Bytes())
		r.Header.SpansCompressed = true
		r.Header.SpansUncompressedLength = uint64(spanBytes)
		r.Header.SpansCompressedLength = uint64(len(compressed))
	}

	headerBytes := r.Header.Marshal()
	out.AddFragment(appendTag(nil, 1, 2))
	out.AddFragment(appendLenPrefixed(headerBytes))

	if metricsBytes := r.Metrics.Marshal(); len(metricsBytes) > 0 {
		out.AddFragment(appendTag(nil, 2, 2))
		out.AddFragment(appendLenPrefixed(metricsBytes))
	}

	if compress {
		out.AddFragment(appendTag(nil, 4, 2))
		out.AddFragment(appendLenPrefixed(compressed))
	} else if spanBytes > 0 {
		out.AddFragment(appendTag(nil, 4, 2))
		out.AddFragment(appendVarint(nil, uint64(spanBytes)))
		out.Append(r.spans)
	}

	r.assembled = out
	return out
}

// Frame returns the report prefixed with a varint length, the framing a
// satellite connection actually writes to the wire: a stream transport has
// no message boundaries of its own, so every report is length-prefixed to
// let the reader split consecutive reports back apart. Use ReadFramedReport
// to reverse it.
func (r *Report) Frame() *fragment.Stream {
	body := r.Assemble()
	out := fragment.New()
	out.AddFragment(appendVarint(nil, uint64(body.NumBytes())))
	out.Append(body)
	return out
}

// NumBytes returns the total wire size of the assembled report.
func (r *Report) NumBytes() int {
	return r.Assemble().NumBytes()
}

// ForEachFragment streams the assembled report's fragments in order.
func (r *Report) ForEachFragment(callback func(b []byte) bool) {
	r.Assemble().ForEachFragment(callback)
}

// DecodeReport parses a report previously produced by Report.Assemble back
// into its header, metrics snapshot, and span payload. If the header
// reports the spans as compressed, the returned payload is already
// snappy-decoded back to its original bytes. The returned payload retains
// whatever framing the caller gave it — ForEachDecodedSpan walks the
// tagSpanField-framed form AddSpanFragment produces.
func DecodeReport(data []byte) (ReportHeader, InternalMetrics, []byte, error) {
	var header ReportHeader
	var metrics InternalMetrics
	var spanPayload []byte

	for len(data) > 0 {
		fieldNum, wireType, n, err := readTag(data)
		if err != nil {
			return header, metrics, nil, err
		}
		data = data[n:]
		switch {
		case fieldNum == 1 && wireType == 2:
			sub, n, err := readBytes(data)
			if err != nil {
				return header, metrics, nil, err
			}
			if err := header.Unmarshal(sub); err != nil {
				return header, metrics, nil, err
			}
			data = data[n:]
		case fieldNum == 2 && wireType == 2:
			sub, n, err := readBytes(data)
			if err != nil {
				return header, metrics, nil, err
			}
			if err := metrics.Unmarshal(sub); err != nil {
				return header, metrics, nil, err
			}
			data = data[n:]
		case fieldNum == 4 && wireType == 2:
			sub, n, err := readBytes(data)
			if err != nil {
				return header, metrics, nil, err
			}
			spanPayload = sub
			data = data[n:]
		default:
			n, err := skipField(data, wireType)
			if err != nil {
				return header, metrics, nil, err
			}
			data = data[n:]
		}
	}

	if header.SpansCompressed && len(spanPayload) > 0 {
		decoded, err := snappy.Decode(nil, spanPayload)
		if err != nil {
			return header, metrics, nil, fmt.Errorf("reportpb: decompress spans: %w", err)
		}
		spanPayload = decoded
	}
	return header, metrics, spanPayload, nil
}

// FrameSpan prepends the tagSpanField tag and length prefix AddSpanFragment
// would add, for callers (the recorder, or a hand-written test harness)
// that need to pre-frame a span before it goes into the ring buffer, so
// multiple spans packed into one allotment can still be told apart by
// ForEachDecodedSpan on the far end.
func FrameSpan(b []byte) []byte {
	out := appendTag(nil, 3, 2)
	out = appendVarint(out, uint64(len(b)))
	return append(out, b...)
}

// FramedSpanSize returns the wire size FrameSpan would produce for a span
// payload of length n, without allocating.
func FramedSpanSize(n int) int {
	return sovTag(3) + sovVarint(uint64(n)) + n
}

// ForEachDecodedSpan walks a span payload framed with repeated
// tagSpanField entries (as FrameSpan/AddSpanFragment produce) and invokes
// callback with each individual span's raw bytes, stopping early if
// callback returns false.
func ForEachDecodedSpan(payload []byte, callback func(span []byte) bool) error {
	for len(payload) > 0 {
		fieldNum, wireType, n, err := readTag(payload)
		if err != nil {
			return err
		}
		payload = payload[n:]
		if fieldNum != 3 || wireType != 2 {
			n, err := skipField(payload, wireType)
			if err != nil {
				return err
			}
			payload = payload[n:]
			continue
		}
		b, n, err := readBytes(payload)
		if err != nil {
			return err
		}
		payload = payload[n:]
		if !callback(b) {
			return nil
		}
	}
	return nil
}

const maxVarintBytes = 10

// ReadFramedReport reads one length-prefixed report from r, as framed by
// Report.Frame, and decodes it.
func ReadFramedReport(r io.Reader) (ReportHeader, InternalMetrics, []byte, error) {
	length, err := readUvarintFromReader(r)
	if err != nil {
		return ReportHeader{}, InternalMetrics{}, nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ReportHeader{}, InternalMetrics{}, nil, err
	}
	return DecodeReport(buf)
}

func readUvarintFromReader(r io.Reader) (uint64, error) {
	var v uint64
	var shift uint
	b := make([]byte, 1)
	for i := 0; i < maxVarintBytes; i++ {
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, err
		}
		v |= uint64(b[0]&0x7f) << shift
		if b[0] < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("reportpb: varint too long")
}

func appendLenPrefixed(b []byte) []byte {
	out := appendVarint(nil, uint64(len(b)))
	return append(out, b...)
}

// --- minimal protobuf wire-format helpers ---

func appendTag(buf []byte, fieldNum int, wireType int) []byte {
	return appendVarint(buf, uint64(fieldNum)<<3|uint64(wireType))
}

func appendVarint(buf []byte, v uint64) []byte {
	return append(buf, proto.EncodeVarint(v)...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func sovTag(fieldNum int) int { return sovVarint(uint64(fieldNum) << 3) }

func sovVarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func readTag(data []byte) (fieldNum, wireType int, n int, err error) {
	v, n, err := readVarint(data)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(v >> 3), int(v & 7), n, nil
}

func readVarint(data []byte) (uint64, int, error) {
	v, n := proto.DecodeVarint(data)
	if n == 0 {
		return 0, 0, fmt.Errorf("reportpb: malformed varint")
	}
	return v, n, nil
}

func readBytes(data []byte) ([]byte, int, error) {
	l, n, err := readVarint(data)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(data)-n) < l {
		return nil, 0, fmt.Errorf("reportpb: truncated message")
	}
	return data[n : n+int(l)], n + int(l), nil
}

func readString(data []byte) (string, int, error) {
	b, n, err := readBytes(data)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}

func skipField(data []byte, wireType int) (int, error) {
	switch wireType {
	case 0:
		_, n, err := readVarint(data)
		return n, err
	case 2:
		_, n, err := readBytes(data)
		return n, err
	default:
		return 0, fmt.Errorf("reportpb: unsupported wire type %d", wireType)
	}
}
