package canonicaljson

import "testing"

func TestEncode_SortsKeys(t *testing.T) {
	out, err := Encode([]byte(`{"b":2,"a":1,"c":{"z":1,"y":2}}`))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	want := `{"a":1,"b":2,"c":{"y":2,"z":1}}`
	if string(out) != want {
		t.Errorf("Encode = %s, want %s", out, want)
	}
}

func TestEncode_StripsWhitespace(t *testing.T) {
	out, err := Encode([]byte("{\n  \"a\": [1, 2,  3],\n  \"b\": true\n}"))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	want := `{"a":[1,2,3],"b":true}`
	if string(out) != want {
		t.Errorf("Encode = %s, want %s", out, want)
	}
}

func TestEncode_UnicodeNotEscaped(t *testing.T) {
	out, err := Encode([]byte(`{"msg":"日本語 é"}`))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	want := "{\"msg\":\"日本語 é\"}"
	if string(out) != want {
		t.Errorf("Encode = %s, want %s", out, want)
	}
}

func TestEncode_ControlCharactersEscaped(t *testing.T) {
	out, err := Encode([]byte(`{"a":"line\nbreak\ttab"}`))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	want := `{"a":"line\nbreak\ttab"}`
	if string(out) != want {
		t.Errorf("Encode = %s, want %s", out, want)
	}
}

func TestEncode_RejectsFractions(t *testing.T) {
	if _, err := Encode([]byte(`{"a":1.5}`)); err == nil {
		t.Error("expected error for fractional number")
	}
}

func TestEncode_NormalizesIntegralFloats(t *testing.T) {
	out, err := Encode([]byte(`{"a":1.0,"b":1e2}`))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	want := `{"a":1,"b":100}`
	if string(out) != want {
		t.Errorf("Encode = %s, want %s", out, want)
	}
}

func TestEncode_RejectsOutOfRangeIntegers(t *testing.T) {
	// 2^53 is just outside the canonical range.
	if _, err := Encode([]byte(`{"a":9007199254740992}`)); err == nil {
		t.Error("expected error for integer >= 2^53")
	}
	// 2^53 - 1 is the largest allowed.
	if _, err := Encode([]byte(`{"a":9007199254740991}`)); err != nil {
		t.Errorf("unexpected error for 2^53-1: %v", err)
	}
}

func TestEncode_RejectsTrailingData(t *testing.T) {
	if _, err := Encode([]byte(`{"a":1} garbage`)); err == nil {
		t.Error("expected error for trailing data")
	}
}

func TestEncode_Deterministic(t *testing.T) {
	input := []byte(`{"z":[{"b":1,"a":2}],"a":null,"m":false}`)
	first, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Encode(input)
		if err != nil {
			t.Fatalf("Encode error: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("Encode is not deterministic: %s vs %s", again, first)
		}
	}
}
