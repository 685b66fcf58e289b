package api

import "testing"

func TestParseXMatrix(t *testing.T) {
	header := `X-Matrix origin="remote.test",destination="local.test",key="ed25519:v1",sig="c2lnbmF0dXJl"`
	p, ok := parseXMatrix(header)
	if !ok {
		t.Fatal("valid header should parse")
	}
	if p.Origin != "remote.test" || p.Destination != "local.test" ||
		p.KeyID != "ed25519:v1" || p.Signature != "c2lnbmF0dXJl" {
		t.Errorf("parsed = %+v", p)
	}
}

func TestParseXMatrix_UnquotedValues(t *testing.T) {
	p, ok := parseXMatrix(`X-Matrix origin=remote.test,key=ed25519:v1,sig=abc`)
	if !ok {
		t.Fatal("unquoted header should parse")
	}
	if p.Origin != "remote.test" || p.KeyID != "ed25519:v1" || p.Signature != "abc" {
		t.Errorf("parsed = %+v", p)
	}
}

func TestParseXMatrix_Rejects(t *testing.T) {
	cases := []string{
		`Bearer token123`,
		`X-Matrix origin="a.test"`,
		`X-Matrix key="ed25519:v1",sig="abc"`,
		``,
	}
	for _, header := range cases {
		if _, ok := parseXMatrix(header); ok {
			t.Errorf("header %q should not parse", header)
		}
	}
}
