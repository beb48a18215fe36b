package ocr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	result Result
	err    error
	panic  any
	got    Options
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Extract(ctx context.Context, image []byte, opts Options) (Result, error) {
	s.got = opts
	if s.panic != nil {
		panic(s.panic)
	}
	return s.result, s.err
}

func TestRecognizeAppliesDefaults(t *testing.T) {
	e := &stubEngine{result: Result{Text: "HELLO", Confidence: 91, HasConfidence: true}}

	res, err := Recognize(context.Background(), e, []byte("img"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "HELLO", res.Text)
	assert.Equal(t, DefaultLanguage, e.got.Language)
	assert.Equal(t, DefaultWhitelist, e.got.Whitelist)
	assert.Equal(t, DefaultPageSegMode, e.got.PageSegMode)
}

func TestRecognizeWrapsErrors(t *testing.T) {
	cause := errors.New("tessdata not found")
	e := &stubEngine{err: cause}

	_, err := Recognize(context.Background(), e, nil, Options{})
	require.Error(t, err)

	var failure *ExtractionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "stub", failure.Engine)
	assert.ErrorIs(t, err, cause)
}

func TestRecognizeKeepsExistingFailure(t *testing.T) {
	e := &stubEngine{err: Failure("inner", errors.New("boom"))}

	_, err := Recognize(context.Background(), e, nil, Options{})
	var failure *ExtractionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "inner", failure.Engine)
}

func TestRecognizeRecoversPanics(t *testing.T) {
	e := &stubEngine{panic: "segfault in engine"}

	_, err := Recognize(context.Background(), e, nil, Options{})
	var failure *ExtractionFailure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, err.Error(), "segfault in engine")
}

func TestEmptyTextIsNotAFailure(t *testing.T) {
	e := &stubEngine{result: Result{}}

	res, err := Recognize(context.Background(), e, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Text)
}
