package prediction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Create(ctx context.Context, spec UnitSpec) (Prediction, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(Prediction), args.Error(1)
}

func (m *mockProvider) Get(ctx context.Context, id string) (Prediction, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Prediction), args.Error(1)
}

func validSpec() UnitSpec {
	return UnitSpec{
		Prompt:       "studio portrait, soft light",
		InputImages:  []string{"https://cdn.example.com/in.png"},
		AspectRatio:  "3:4",
		Resolution:   "2K",
		OutputFormat: "png",
	}
}

func TestSubmitSuccess(t *testing.T) {
	provider := new(mockProvider)
	provider.On("Create", mock.Anything, validSpec()).Return(Prediction{ID: "pred-1", Status: "starting"}, nil).Once()

	handle, err := NewSubmitter(provider, zap.NewNop()).Submit(context.Background(), validSpec())
	require.NoError(t, err)
	assert.Equal(t, "pred-1", handle.ID)
	assert.False(t, handle.SubmittedAt.IsZero())
	provider.AssertExpectations(t)
}

func TestSubmitInvalidSpecNeverCallsProvider(t *testing.T) {
	provider := new(mockProvider)
	submitter := NewSubmitter(provider, zap.NewNop())

	cases := map[string]func(*UnitSpec){
		"empty prompt":       func(s *UnitSpec) { s.Prompt = "" },
		"bad aspect ratio":   func(s *UnitSpec) { s.AspectRatio = "7:3" },
		"bad output format":  func(s *UnitSpec) { s.OutputFormat = "gif" },
		"bad resolution":     func(s *UnitSpec) { s.Resolution = "8K" },
		"input is not a url": func(s *UnitSpec) { s.InputImages = []string{"not a url"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := validSpec()
			mutate(&spec)
			_, err := submitter.Submit(context.Background(), spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
	provider.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSubmitWrapsUpstreamError(t *testing.T) {
	upstream := errors.New("API returned status 503: overloaded")
	provider := new(mockProvider)
	provider.On("Create", mock.Anything, mock.Anything).Return(Prediction{}, upstream).Once()

	_, err := NewSubmitter(provider, zap.NewNop()).Submit(context.Background(), validSpec())
	require.Error(t, err)

	var extErr *ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "create", extErr.Op)
	assert.ErrorIs(t, err, upstream)
	provider.AssertNumberOfCalls(t, "Create", 1)
}

func TestSubmitRejectsEmptyID(t *testing.T) {
	provider := new(mockProvider)
	provider.On("Create", mock.Anything, mock.Anything).Return(Prediction{Status: "starting"}, nil)

	_, err := NewSubmitter(provider, zap.NewNop()).Submit(context.Background(), validSpec())
	var extErr *ExternalServiceError
	assert.ErrorAs(t, err, &extErr)
}
