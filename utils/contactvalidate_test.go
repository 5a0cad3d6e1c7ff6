package utils

import "testing"

func TestValidateContactEmail_RejectsMalformed(t *testing.T) {
	valid, _ := ValidateContactEmail("not-an-email")
	if valid {
		t.Fatalf("expected malformed address to be rejected")
	}
}

func TestValidateContactEmail_RejectsMissingDomain(t *testing.T) {
	valid, _ := ValidateContactEmail("user@")
	if valid {
		t.Fatalf("expected address with no domain to be rejected")
	}
}
