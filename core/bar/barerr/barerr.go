// Package barerr defines the error taxonomy shared by the archive install and
// export pipeline.
package barerr

import (
	"errors"
	"fmt"
)

// Class groups codes by how and when they surface.
type Class string

const (
	ClassStructural     Class = "structural"
	ClassDocumentFormat Class = "document_format"
	ClassRecord         Class = "record"
	ClassResourceLimit  Class = "resource_limit"
	ClassIO             Class = "io"
	ClassInternal       Class = "internal"
)

// Code identifies a specific failure.
type Code string

const (
	DuplicatePath            Code = "DuplicatePath"
	BadRootPrefix            Code = "BadRootPrefix"
	MissingRoot              Code = "MissingRoot"
	OrphanPath               Code = "OrphanPath"
	ChildUnderDataCollection Code = "ChildUnderDataCollection"
	IllegalExecutableChild   Code = "IllegalExecutableChild"
	FileHasChildren          Code = "FileHasChildren"
	MissingSourceHolder      Code = "MissingSourceHolder"
	InvalidResourceName      Code = "InvalidResourceName"
	UnknownResourceType      Code = "UnknownResourceType"
	UnsupportedVersion       Code = "UnsupportedVersion"
	MissingEntry             Code = "MissingEntry"
	UnexpectedEntry          Code = "UnexpectedEntry"
	DuplicateBox             Code = "DuplicateBox"
	DuplicateSchema          Code = "DuplicateSchema"
	InstallInProgress        Code = "InstallInProgress"

	DocumentFormat    Code = "DocumentFormat"
	UndeclaredEntry   Code = "UndeclaredEntry"
	IllegalDataLayout Code = "IllegalDataLayout"
	MissingSchema     Code = "MissingSchema"

	DuplicateKey    Code = "DuplicateKey"
	NoSuchRecordSet Code = "NoSuchRecordSet"
	BrokenReference Code = "BrokenReference"

	TooManyChildren Code = "TooManyChildren"
	EntryTooLarge   Code = "EntryTooLarge"
	ArchiveTooLarge Code = "ArchiveTooLarge"

	IO        Code = "IO"
	Cancelled Code = "Cancelled"
	Internal  Code = "Internal"
)

// Class reports the taxonomy bucket of a code.
func (c Code) Class() Class {
	switch c {
	case DuplicatePath, BadRootPrefix, MissingRoot, OrphanPath, ChildUnderDataCollection,
		IllegalExecutableChild, FileHasChildren, MissingSourceHolder, InvalidResourceName,
		UnknownResourceType, UnsupportedVersion, MissingEntry, UnexpectedEntry,
		DuplicateBox, DuplicateSchema, InstallInProgress:
		return ClassStructural
	case DocumentFormat, UndeclaredEntry, IllegalDataLayout, MissingSchema:
		return ClassDocumentFormat
	case DuplicateKey, NoSuchRecordSet, BrokenReference:
		return ClassRecord
	case TooManyChildren, EntryTooLarge, ArchiveTooLarge:
		return ClassResourceLimit
	case IO:
		return ClassIO
	default:
		return ClassInternal
	}
}

// Error is a classified pipeline failure. Path names the archive entry or
// topology path involved, when known.
type Error struct {
	Code   Code
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Path != "" {
		msg += " [" + e.Path + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Class reports the taxonomy bucket of the error.
func (e *Error) Class() Class {
	if e == nil {
		return ClassInternal
	}
	return e.Code.Class()
}

// Is matches another *Error by code so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || e == nil {
		return false
	}
	return t.Code == e.Code && (t.Path == "" || t.Path == e.Path)
}

// New builds an error with a formatted detail message.
func New(code Code, path, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and path to an underlying error. An error that is
// already classified keeps its code; only a missing path is filled in.
func Wrap(code Code, path string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Path == "" && path != "" {
			cp := *existing
			cp.Path = path
			return &cp
		}
		return existing
	}
	return &Error{Code: code, Path: path, Err: err}
}

// CodeOf returns the code carried by err, or Internal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// PathOf returns the entry path carried by err, if any.
func PathOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Path
	}
	return ""
}

// IsStructural reports whether err is detected before any write happens and
// should be returned synchronously to the caller.
func IsStructural(err error) bool {
	c := CodeOf(err).Class()
	return c == ClassStructural || (c == ClassResourceLimit && CodeOf(err) != TooManyChildren)
}

// Message returns a human readable message for err, falling back to a
// placeholder so a failure is never reported with empty text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unexpected error"
}
