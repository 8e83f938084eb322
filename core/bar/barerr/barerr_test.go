package barerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(OrphanPath, "dcbox:/a/b", "parent %s not declared", "dcbox:/a")
	want := "OrphanPath: parent dcbox:/a not declared [dcbox:/a/b]"
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if err.Class() != ClassStructural {
		t.Fatalf("unexpected class %s", err.Class())
	}
}

func TestWrapKeepsExistingCode(t *testing.T) {
	inner := New(MissingSchema, "", "schema not processed")
	wrapped := Wrap(IO, "bar/90_contents/col/90_data/", fmt.Errorf("install: %w", inner))
	if wrapped.Code != MissingSchema {
		t.Fatalf("expected code to survive wrap, got %s", wrapped.Code)
	}
	if wrapped.Path != "bar/90_contents/col/90_data/" {
		t.Fatalf("expected path to be filled, got %q", wrapped.Path)
	}
	if Wrap(IO, "x", nil) != nil {
		t.Fatalf("expected nil wrap of nil error")
	}
}

func TestWrapPlainError(t *testing.T) {
	err := Wrap(IO, "bar/00_meta/", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unwrap to reach cause")
	}
	if CodeOf(err) != IO || PathOf(err) != "bar/00_meta/" {
		t.Fatalf("unexpected code/path: %s %s", CodeOf(err), PathOf(err))
	}
}

func TestErrorsIsByCode(t *testing.T) {
	err := fmt.Errorf("validate: %w", New(DuplicatePath, "dcbox:/x", "dup"))
	if !errors.Is(err, &Error{Code: DuplicatePath}) {
		t.Fatalf("expected match by code")
	}
	if errors.Is(err, &Error{Code: OrphanPath}) {
		t.Fatalf("unexpected match for other code")
	}
}

func TestClassification(t *testing.T) {
	cases := map[Code]Class{
		DuplicatePath:   ClassStructural,
		DocumentFormat:  ClassDocumentFormat,
		DuplicateKey:    ClassRecord,
		TooManyChildren: ClassResourceLimit,
		IO:              ClassIO,
		Cancelled:       ClassInternal,
	}
	for code, want := range cases {
		if got := code.Class(); got != want {
			t.Fatalf("%s: expected %s got %s", code, want, got)
		}
	}
	if CodeOf(errors.New("boom")) != Internal {
		t.Fatalf("expected unclassified errors to be internal")
	}
	if !IsStructural(New(ArchiveTooLarge, "", "too big")) {
		t.Fatalf("archive size is a pre-flight failure")
	}
	if IsStructural(New(TooManyChildren, "", "full")) {
		t.Fatalf("child ceiling is detected mid-run")
	}
}

func TestMessagePlaceholder(t *testing.T) {
	if Message(errors.New("")) != "unexpected error" {
		t.Fatalf("expected placeholder")
	}
	if Message(errors.New("x")) != "x" {
		t.Fatalf("expected original message")
	}
}
