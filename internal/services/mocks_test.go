package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/leafguard/backend/internal/ml"
)

type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, imageData []byte) (*ml.Diagnosis, error) {
	args := m.Called(ctx, imageData)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ml.Diagnosis), args.Error(1)
}

type MockAdvisor struct {
	mock.Mock
}

func (m *MockAdvisor) Advise(ctx context.Context, d ml.Diagnosis) (ml.AdviceResult, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(ml.AdviceResult), args.Error(1)
}

type MockPermissionChecker struct {
	mock.Mock
}

func (m *MockPermissionChecker) Check(ctx context.Context, accountID, teamID, action string) (bool, error) {
	args := m.Called(ctx, accountID, teamID, action)
	return args.Bool(0), args.Error(1)
}
