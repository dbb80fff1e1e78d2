package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeAccount, IDTypeTask, IDTypeProxy, IDTypeBatch} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID does not validate: %s", id)
		}
		if !strings.HasPrefix(id, string(idType)+"_") {
			t.Errorf("ID %s missing prefix %s", id, idType)
		}
	}
}

func TestGenerateIDInvalidType(t *testing.T) {
	if _, err := GenerateID("bogus"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeTask)
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseIDType(t *testing.T) {
	id, _ := GenerateID(IDTypeProxy)
	typ, err := ParseIDType(id)
	if err != nil {
		t.Fatal(err)
	}
	if typ != IDTypeProxy {
		t.Errorf("expected prx, got %s", typ)
	}

	if _, err := ParseIDType("not-an-id"); err == nil {
		t.Error("expected error for malformed ID")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, _ := GenerateID(IDTypeAccount)
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatal(err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("timestamp %v outside expected window", ts)
	}
}
