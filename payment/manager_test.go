package payment

import (
	"context"
	"testing"

	"github.com/miragespace/coursesub/db/dbtest"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type ManagerSuite struct {
	suite.Suite
	manager *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupSuite() {
	orm := dbtest.StartupPostgreSQL(s.T())

	m, err := NewManager(zap.NewNop(), orm)
	s.Require().NoError(err)
	s.manager = m
}

func (s *ManagerSuite) TestRecordIsIdempotent() {
	require := s.Require()
	ctx := context.Background()

	p := &Payment{
		UserID:            "user-1",
		Email:             "learner@example.com",
		ExternalPaymentID: "in_1",
		Amount:            4900,
		Currency:          "usd",
		Status:            StatusSucceeded,
	}
	created, err := s.manager.Record(ctx, p)
	require.NoError(err)
	require.True(created)

	created, err = s.manager.Record(ctx, &Payment{
		UserID:            "user-1",
		ExternalPaymentID: "in_1",
		Amount:            4900,
		Status:            StatusSucceeded,
	})
	require.NoError(err)
	require.False(created)

	list, err := s.manager.ListByUser(ctx, "user-1")
	require.NoError(err)
	require.Len(list, 1)
	require.Equal(int64(4900), list[0].Amount)
}

func (s *ManagerSuite) TestRecordRequiresExternalID() {
	_, err := s.manager.Record(context.Background(), &Payment{UserID: "user-2"})
	s.Require().Error(err)
}

func (s *ManagerSuite) TestFailureThenSuccessOnSameInvoice() {
	require := s.Require()
	ctx := context.Background()

	created, err := s.manager.Record(ctx, &Payment{
		UserID:            "user-3",
		ExternalPaymentID: "in_retry",
		Amount:            4900,
		Status:            StatusFailed,
	})
	require.NoError(err)
	require.True(created)

	created, err = s.manager.Record(ctx, &Payment{
		UserID:            "user-3",
		ExternalPaymentID: "in_retry",
		Amount:            4900,
		Status:            StatusSucceeded,
	})
	require.NoError(err)
	require.True(created)

	list, err := s.manager.ListByUser(ctx, "user-3")
	require.NoError(err)
	require.Len(list, 2)
}
