package face

import (
	"errors"
	"fmt"
)

// Kind identifies a pipeline failure. The set is closed; callers switch on it
// instead of matching message text.
type Kind string

const (
	KindImageTooLarge          Kind = "ImageTooLarge"
	KindImageTooSmall          Kind = "ImageTooSmall"
	KindImageUnreadable        Kind = "ImageUnreadable"
	KindTooDark                Kind = "TooDark"
	KindOverexposed            Kind = "Overexposed"
	KindNoFaceDetected         Kind = "NoFaceDetected"
	KindFaceTooSmall           Kind = "FaceTooSmall"
	KindFaceCutOff             Kind = "FaceCutOff"
	KindUnusualProportions     Kind = "UnusualProportions"
	KindInvalidBox             Kind = "InvalidBox"
	KindModelNotFound          Kind = "ModelNotFound"
	KindModelLoadFailed        Kind = "ModelLoadFailed"
	KindInferenceFailed        Kind = "InferenceFailed"
	KindTimeout                Kind = "Timeout"
	KindLengthMismatch         Kind = "LengthMismatch"
	KindZeroNormVector         Kind = "ZeroNormVector"
	KindInvalidEmbeddingFormat Kind = "InvalidEmbeddingFormat"
	KindNoImageUploaded        Kind = "NoImageUploaded"
	KindUnsupportedMediaType   Kind = "UnsupportedMediaType"
	KindMissingStoredEmbedding Kind = "MissingStoredEmbedding"
	KindInvalidThreshold       Kind = "InvalidThreshold"
	KindNotFound               Kind = "NotFound"
	KindStorage                Kind = "Storage"
)

// Error is a typed pipeline error. Two errors are considered equal by errors.Is
// when their kinds match, so detailed messages still compare against the
// package level sentinels.
type Error struct {
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Errorf returns a new error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrImageTooLarge          = &Error{KindImageTooLarge, "image file too large"}
	ErrImageTooSmall          = &Error{KindImageTooSmall, "image file too small or empty"}
	ErrImageUnreadable        = &Error{KindImageUnreadable, "unable to read image file - it may be corrupted or in an unsupported format"}
	ErrTooDark                = &Error{KindTooDark, "image is too dark - please retake photo in better lighting conditions"}
	ErrOverexposed            = &Error{KindOverexposed, "image is overexposed - please reduce lighting or avoid direct sunlight"}
	ErrNoFaceDetected         = &Error{KindNoFaceDetected, "no face detected in the image"}
	ErrFaceTooSmall           = &Error{KindFaceTooSmall, "face is too small in the image - please move closer or crop the image"}
	ErrFaceCutOff             = &Error{KindFaceCutOff, "face appears to be cut off at the edge - please center the face in the frame"}
	ErrUnusualProportions     = &Error{KindUnusualProportions, "detected face has unusual proportions - please ensure full face is visible"}
	ErrInvalidBox             = &Error{KindInvalidBox, "face box is missing or outside the image"}
	ErrModelNotFound          = &Error{KindModelNotFound, "embedding model not found"}
	ErrModelLoadFailed        = &Error{KindModelLoadFailed, "embedding model failed to load"}
	ErrInferenceFailed        = &Error{KindInferenceFailed, "embedding inference failed"}
	ErrTimeout                = &Error{KindTimeout, "processing timed out"}
	ErrLengthMismatch         = &Error{KindLengthMismatch, "embeddings must have the same length"}
	ErrZeroNormVector         = &Error{KindZeroNormVector, "cannot calculate similarity with zero-norm vectors"}
	ErrInvalidEmbeddingFormat = &Error{KindInvalidEmbeddingFormat, "invalid embedding format: must be a valid JSON array of numbers"}
	ErrNoImageUploaded        = &Error{KindNoImageUploaded, "no image file uploaded"}
	ErrUnsupportedMediaType   = &Error{KindUnsupportedMediaType, "only JPEG and PNG images are allowed"}
	ErrMissingStoredEmbedding = &Error{KindMissingStoredEmbedding, "storedEmbedding is required"}
	ErrInvalidThreshold       = &Error{KindInvalidThreshold, "threshold must be a number between -1 and 1"}
	ErrNotFound               = &Error{KindNotFound, "record not found"}
	ErrStorage                = &Error{KindStorage, "storage failure"}
)

var sentinels = []*Error{
	ErrImageTooLarge, ErrImageTooSmall, ErrImageUnreadable, ErrTooDark, ErrOverexposed,
	ErrNoFaceDetected, ErrFaceTooSmall, ErrFaceCutOff, ErrUnusualProportions, ErrInvalidBox,
	ErrModelNotFound, ErrModelLoadFailed, ErrInferenceFailed, ErrTimeout,
	ErrLengthMismatch, ErrZeroNormVector, ErrInvalidEmbeddingFormat,
	ErrNoImageUploaded, ErrUnsupportedMediaType, ErrMissingStoredEmbedding, ErrInvalidThreshold,
	ErrNotFound, ErrStorage,
}

// Message returns the generic message of the kind, without request detail.
func (k Kind) Message() string {
	for _, e := range sentinels {
		if e.Kind == k {
			return e.Message
		}
	}
	return "internal error"
}

var internalKinds = map[Kind]bool{
	KindModelNotFound:   true,
	KindModelLoadFailed: true,
	KindInferenceFailed: true,
	KindTimeout:         true,
	KindStorage:         true,
}

// Internal reports whether the kind indicates a service fault rather than bad input.
func (k Kind) Internal() bool {
	return internalKinds[k]
}

// KindOf returns the kind of the first typed error in err's tree.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Kinds returns the kinds of every typed error in err's tree, in depth-first order.
func Kinds(err error) []Kind {
	var kinds []Kind
	seen := make(map[Kind]bool)

	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if e, ok := err.(*Error); ok && !seen[e.Kind] {
			seen[e.Kind] = true
			kinds = append(kinds, e.Kind)
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)

	return kinds
}

// IsInternal reports whether err should be reported as a service fault.
// Untyped errors are internal.
func IsInternal(err error) bool {
	if err == nil {
		return false
	}
	kinds := Kinds(err)
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k.Internal() {
			return true
		}
	}
	return false
}
