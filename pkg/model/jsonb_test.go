package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"goal_id": "g-1", "new_progress": 80}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["goal_id"] != "g-1" {
		t.Fatalf("expected goal_id g-1, got %v", decoded["goal_id"])
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned["goal_id"] != "g-1" {
		t.Fatalf("expected scanned goal_id g-1, got %v", scanned["goal_id"])
	}
}

func TestJSONBScanRejectsNonBytes(t *testing.T) {
	var scanned JSONB
	if err := scanned.Scan(42); err == nil {
		t.Fatalf("expected error scanning int")
	}
}

func TestJSONBGormDataType(t *testing.T) {
	value := JSONB{"ok": true}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}
