package replay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(d time.Duration) {
	fs.slept = append(fs.slept, d)
}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START
0, {"KEY_TYPE":10001,"LIMITED_SPEED":80}
10,{"CUR_ROAD_NAME":"A, B"}
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Payload != nil {
		t.Fatalf("expected START marker (nil payload), got %s", recs[0].Payload)
	}
	if recs[1].At != 0 {
		t.Fatalf("expected At=0, got %s", recs[1].At)
	}
	if string(recs[1].Payload) != `{"KEY_TYPE":10001,"LIMITED_SPEED":80}` {
		t.Fatalf("unexpected payload 1: %s", recs[1].Payload)
	}
	if recs[2].At != 10*time.Nanosecond {
		t.Fatalf("expected At=10ns, got %s", recs[2].At)
	}
	if string(recs[2].Payload) != `{"CUR_ROAD_NAME":"A, B"}` {
		t.Fatalf("unexpected payload 2: %s", recs[2].Payload)
	}
}

func TestReaderReadAll_InvalidLines(t *testing.T) {
	for _, in := range []string{
		"not-a-valid-line\n",
		"x,{}\n",
		"-5,{}\n",
		"5,[1,2]\n",
		"5,{\"a\":\n",
	} {
		if _, err := NewReader(strings.NewReader(in)).ReadAll(); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestPlay_RespectsTimingAndStart(t *testing.T) {
	var got []string
	fs := &fakeSleeper{}

	recs := []Record{
		{At: 1 * time.Second, Payload: nil},
		{At: 1 * time.Second, Payload: json.RawMessage(`{"a":1}`)},
		{At: 1*time.Second + 100*time.Nanosecond, Payload: json.RawMessage(`{"a":2}`)},
		{At: 2 * time.Second, Payload: nil},
		{At: 2*time.Second + 50*time.Nanosecond, Payload: json.RawMessage(`{"a":3}`)},
	}

	err := Play(recs, 1.0, false, fs, func(p json.RawMessage) error {
		got = append(got, string(p))
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}

	want := []string{`{"a":1}`, `{"a":2}`, `{"a":3}`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("payloads = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{100 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [100ns]", fs.slept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 0, Payload: json.RawMessage(`{}`)},
		{At: 100 * time.Nanosecond, Payload: json.RawMessage(`{}`)},
	}

	err := Play(recs, 2.0, false, fs, func(json.RawMessage) error { return nil })
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [50ns]", fs.slept)
	}
}

func TestPlay_CallbackErrorStopsLoop(t *testing.T) {
	stop := errors.New("stop")
	recs := []Record{{At: 0, Payload: json.RawMessage(`{}`)}}
	n := 0
	err := Play(recs, 1.0, true, &fakeSleeper{}, func(json.RawMessage) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err=%v want stop", err)
	}
	if n != 3 {
		t.Fatalf("callbacks=%d want 3", n)
	}
}

func TestPlay_InvalidArgs(t *testing.T) {
	recs := []Record{{At: 0, Payload: json.RawMessage(`{}`)}}
	if err := Play(recs, 0, false, nil, func(json.RawMessage) error { return nil }); err == nil {
		t.Fatalf("expected speed error")
	}
	if err := Play(nil, 1, false, nil, func(json.RawMessage) error { return nil }); err == nil {
		t.Fatalf("expected no records error")
	}
	if err := Play(recs, 1, false, nil, nil); err == nil {
		t.Fatalf("expected nil callback error")
	}
}

func TestWriter_WritesExpectedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	w.start = time.Unix(0, 0)

	if err := w.WritePayload(time.Unix(0, 20), []byte("{\n  \"a\": 1\n}")); err != nil {
		t.Fatalf("WritePayload() error: %v", err)
	}
	if err := w.WritePayload(time.Unix(0, 30), []byte("nope")); err == nil {
		t.Fatalf("expected invalid JSON error")
	}
	if w.Count() != 1 {
		t.Fatalf("count=%d want 1", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.WritePayload(time.Now(), []byte(`{}`)); err == nil {
		t.Fatalf("expected closed writer error")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(b) != "START\n20,{\"a\":1}\n" {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}

func TestRecordReplay_RoundTripInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nav-record.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	now := time.Now()
	in := []string{
		`{"KEY_TYPE":10001,"LIMITED_SPEED":120}`,
		`{"KEY_TYPE":60073,"trafficLightStatus":1}`,
		`{"KEY_TYPE":13011,"tmc_segments":[{"status":3,"distance":200}]}`,
	}
	for _, p := range in {
		if err := w.WritePayload(now, []byte(p)); err != nil {
			t.Fatalf("WritePayload() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var out []string
	fs := &fakeSleeper{}
	if err := Play(recs, 1.0, false, fs, func(p json.RawMessage) error {
		out = append(out, string(p))
		return nil
	}); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if len(fs.slept) != 0 {
		t.Fatalf("expected no sleeps, got %v", fs.slept)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("payloads mismatch\n got: %v\nwant: %v", out, in)
	}
}
