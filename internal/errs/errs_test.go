package errs

import "testing"

func TestFromUserErrorsReportThemselvesAsFromUser(t *testing.T) {
	cases := []FromUser{
		NewNotFoundInInbox("a.c4gh"),
		NewUnsupportedHashAlgorithm("crc32"),
		NewCompanionNotFound("a.c4gh.sha256"),
		NewChecksumMismatch("sha256", "a.c4gh"),
		NewSessionKeyDecryptionError(),
		NewSessionKeyReused(),
	}
	for _, err := range cases {
		if !err.FromUser() {
			t.Errorf("%T: expected FromUser() true", err)
		}
		if err.Error() == "" {
			t.Errorf("%T: expected non-empty message", err)
		}
	}
}

func TestAlreadyProcessedIsNotFromUser(t *testing.T) {
	var err error = &AlreadyProcessed{User: "u", Filename: "f", ChecksumOf: "encrypted"}
	if _, ok := err.(FromUser); ok {
		t.Fatal("AlreadyProcessed must not satisfy FromUser; it is a warning, not a fault")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty message")
	}
}
