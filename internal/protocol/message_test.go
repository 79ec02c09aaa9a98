package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestModelType_Valid(t *testing.T) {
	tests := []struct {
		model ModelType
		want  bool
	}{
		{ModelCustom, true},
		{ModelOnline, true},
		{"", false},
		{"Custom", false},
		{"resnet", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.model), func(t *testing.T) {
			if got := tt.model.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestControl_WireFormat(t *testing.T) {
	data, err := json.Marshal(Control{EnableASL: true, ModelType: ModelOnline})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := `{"enable_asl":true,"model_type":"online"}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestFrameMessage_WireFormat(t *testing.T) {
	data, err := json.Marshal(NewFrameMessage([]byte{0xff, 0xd8, 0xff}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := `{"image":"data:image/jpeg;base64,/9j/"}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestDecodeDataURI(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}

	t.Run("data uri", func(t *testing.T) {
		got, err := DecodeDataURI(EncodeDataURI(jpeg))
		if err != nil {
			t.Fatalf("DecodeDataURI() error = %v", err)
		}
		if !bytes.Equal(got, jpeg) {
			t.Errorf("DecodeDataURI() = %v, want %v", got, jpeg)
		}
	})

	t.Run("bare base64", func(t *testing.T) {
		uri := EncodeDataURI(jpeg)
		got, err := DecodeDataURI(strings.TrimPrefix(uri, jpegDataURIPrefix))
		if err != nil {
			t.Fatalf("DecodeDataURI() error = %v", err)
		}
		if !bytes.Equal(got, jpeg) {
			t.Errorf("DecodeDataURI() = %v, want %v", got, jpeg)
		}
	})

	invalid := []string{
		"data:image/jpeg;base64",
		"data:image/jpeg,rawpayload",
		"data:image/jpeg;base64,***",
	}
	for _, uri := range invalid {
		if _, err := DecodeDataURI(uri); err == nil {
			t.Errorf("DecodeDataURI(%q) should fail", uri)
		}
	}
}

func TestParseRecord(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		rec, err := ParseRecord([]byte(`{"hand_detected":true,"hand_view":null}`))
		if err != nil {
			t.Fatalf("ParseRecord() error = %v", err)
		}
		if !rec.Has(FieldHandDetected) || !rec.Has(FieldHandView) {
			t.Error("expected both fields to be present")
		}
		if rec.Has(FieldFingerCount) {
			t.Error("finger_count should be absent")
		}
		if !rec.IsNull(FieldHandView) {
			t.Error("hand_view should be null")
		}
		if rec.IsNull(FieldHandDetected) {
			t.Error("hand_detected should not be null")
		}
	})

	malformed := []string{``, `not json`, `[1,2]`, `"text"`, `null`, `{"a":`}
	for _, payload := range malformed {
		_, err := ParseRecord([]byte(payload))
		var mErr *MalformedMessageError
		if !errors.As(err, &mErr) {
			t.Errorf("ParseRecord(%q) error = %v, want MalformedMessageError", payload, err)
		}
	}
}

func TestRecord_Decode(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"finger_count":3,"hand_view":7}`))
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}

	var count int
	if err := rec.Decode(FieldFingerCount, &count); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	var view string
	err = rec.Decode(FieldHandView, &view)
	var mErr *MalformedMessageError
	if !errors.As(err, &mErr) {
		t.Fatalf("Decode() error = %v, want MalformedMessageError", err)
	}
	if mErr.Field != FieldHandView {
		t.Errorf("Field = %q, want %q", mErr.Field, FieldHandView)
	}
}
