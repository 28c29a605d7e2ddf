package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	request := map[string]interface{}{
		"op":    "predict",
		"mode":  "point",
		"count": 3,
	}
	if err := writeMessage(&buf, request); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	var decoded map[string]interface{}
	if err := readMessage(&buf, &decoded); err != nil {
		t.Fatalf("readMessage: %v", err)
	}

	if decoded["op"] != "predict" || decoded["mode"] != "point" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestCodecFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, map[string]interface{}{"op": "set_image"}); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	// The first 4 bytes must be a big-endian length matching the body.
	raw := buf.Bytes()
	if len(raw) < 4 {
		t.Fatalf("message too short: %d bytes", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[:4])
	if int(length) != len(raw)-4 {
		t.Errorf("prefix says %d bytes, body has %d", length, len(raw)-4)
	}
}

func TestCodecMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := writeMessage(&buf, map[string]interface{}{"seq": i}); err != nil {
			t.Fatalf("writeMessage %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		var decoded map[string]interface{}
		if err := readMessage(&buf, &decoded); err != nil {
			t.Fatalf("readMessage %d: %v", i, err)
		}
	}

	var extra map[string]interface{}
	if err := readMessage(&buf, &extra); err != io.EOF {
		t.Errorf("read past end = %v, want EOF", err)
	}
}

func TestReadMessageRejectsOversizedPrefix(t *testing.T) {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, maxMessageSize+1)

	var decoded map[string]interface{}
	if err := readMessage(bytes.NewReader(prefix), &decoded); err == nil {
		t.Error("oversized length prefix accepted")
	}
}

func TestReadMessageTruncatedBody(t *testing.T) {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, 100)
	data := append(prefix, []byte("short")...)

	var decoded map[string]interface{}
	if err := readMessage(bytes.NewReader(data), &decoded); err == nil {
		t.Error("truncated body accepted")
	}
}

func TestWorkerResponseDecode(t *testing.T) {
	var buf bytes.Buffer
	reply := map[string]interface{}{
		"ok":     true,
		"masks":  [][]byte{{0, 1, 1, 0}},
		"scores": []float64{0.87},
		"width":  2,
		"height": 2,
	}
	if err := writeMessage(&buf, reply); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	var resp workerResponse
	if err := readMessage(&buf, &resp); err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if !resp.OK || len(resp.Masks) != 1 || resp.Scores[0] != 0.87 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Masks[0]) != resp.Width*resp.Height {
		t.Errorf("mask has %d pixels for %dx%d", len(resp.Masks[0]), resp.Width, resp.Height)
	}
}
