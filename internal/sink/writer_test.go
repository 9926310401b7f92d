package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"

	"rs_viewer/native/internal/binding"
)

type fakeTrack struct {
	id    string
	codec string
}

func (f *fakeTrack) ID() string    { return f.id }
func (f *fakeTrack) Codec() string { return f.codec }
func (f *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	select {}
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func packet(seq uint16, marker bool, payload ...byte) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Marker: marker}, Payload: payload}
}

func TestH264Writer_WritesAnnexB(t *testing.T) {
	out := &closeRecorder{}
	w := NewH264Writer("color", out)
	w.Attach(binding.NewHandle("color", 0, "0", false, &fakeTrack{id: "t0", codec: "video/H264"}))

	stap := []byte{0x18, 0x00, 0x02, 0x67, 0x42, 0x00, 0x01, 0x68}
	if err := w.WriteRTP(packet(1, false, stap...)); err != nil {
		t.Fatalf("WriteRTP: %v", err)
	}
	if err := w.WriteRTP(packet(2, true, 0x65, 0x88)); err != nil {
		t.Fatalf("WriteRTP: %v", err)
	}

	want := []byte{
		0, 0, 0, 1, 0x67, 0x42,
		0, 0, 0, 1, 0x68,
		0, 0, 0, 1, 0x65, 0x88,
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("expected %x, got %x", want, out.Bytes())
	}

	st := w.Stats()
	if st.Packets != 2 || st.NALUs != 3 || st.Track != "t0" {
		t.Errorf("unexpected stats %+v", st)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !out.closed {
		t.Error("expected underlying writer to be closed")
	}
	if err := w.WriteRTP(packet(3, true, 0x65)); err != nil {
		t.Errorf("expected writes after close to be ignored, got %v", err)
	}
}

func TestH264Writer_BuffersUntilMarker(t *testing.T) {
	out := &bytes.Buffer{}
	w := NewH264Writer("depth", out)

	if err := w.WriteRTP(packet(1, false, 0x41, 0x01)); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected nothing flushed before marker, got %d bytes", out.Len())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 6 {
		t.Errorf("expected close to flush 6 bytes, got %d", out.Len())
	}
}

func TestOpenH264File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "capture")
	w, err := OpenH264File(dir, "infrared-1")
	if err != nil {
		t.Fatalf("OpenH264File: %v", err)
	}
	if err := w.WriteRTP(packet(1, true, 0x65, 0x01)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "infrared-1.h264"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(data, []byte{0, 0, 0, 1, 0x65, 0x01}) {
		t.Errorf("unexpected file content %x", data)
	}
}

func TestCounter(t *testing.T) {
	c := NewCounter("gyro")
	c.Attach(binding.NewHandle("gyro", 2, "2", false, &fakeTrack{id: "imu", codec: "video/VP8"}))
	for i := 0; i < 3; i++ {
		_ = c.WriteRTP(packet(uint16(i), false, 1, 2, 3, 4))
	}
	st := c.Stats()
	if st.Packets != 3 || st.Bytes != 12 || st.Codec != "video/VP8" {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFor(t *testing.T) {
	dir := t.TempDir()
	s, err := For(dir, "depth")
	if err != nil {
		t.Fatal(err)
	}
	if w, ok := s.(*H264Writer); !ok {
		t.Errorf("expected H264Writer for depth, got %T", s)
	} else {
		_ = w.Close()
	}

	s, err = For(dir, "accel")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Counter); !ok {
		t.Errorf("expected Counter for accel, got %T", s)
	}
}
