package controller

import (
	"encoding/base64"
	"testing"
)

func TestDecodePushData_DecodesValidPayload(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"user@example.com","historyId":42}`))

	data, err := decodePushData(encoded)
	if err != nil {
		t.Fatalf("decode push data: %v", err)
	}
	if data.EmailAddress != "user@example.com" {
		t.Fatalf("expected email address to decode, got %q", data.EmailAddress)
	}
	if data.HistoryID != 42 {
		t.Fatalf("expected history id 42, got %d", data.HistoryID)
	}
}

func TestDecodePushData_RejectsInvalidBase64(t *testing.T) {
	if _, err := decodePushData("not-valid-base64!!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

func TestDecodePushData_RejectsInvalidJSON(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("not json"))
	if _, err := decodePushData(encoded); err == nil {
		t.Fatalf("expected error for invalid json payload")
	}
}
