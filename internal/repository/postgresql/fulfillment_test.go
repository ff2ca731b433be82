package postgresql_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	mock_database "github.com/sharemeal/backend/internal/db/mocks"
	"github.com/sharemeal/backend/internal/repository"
	"github.com/sharemeal/backend/internal/repository/postgresql"
)

func TestFulfillmentStore_ClaimDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("winner", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		store := postgresql.NewFulfillmentStore(mockDB)

		mockDB.EXPECT().Exec(
			gomock.Any(),
			gomock.Any(),
			gomock.Eq("shipper-1"),
			gomock.Eq(repository.DeliveryStatusAssigned),
			gomock.Any(),
			gomock.Eq(int64(7)),
			gomock.Eq(repository.DeliveryStatusPending),
		).Return(pgconn.CommandTag("UPDATE 1"), nil)

		claimed, err := store.ClaimDelivery(ctx, 7, "shipper-1")
		assert.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("loser sees zero rows", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		store := postgresql.NewFulfillmentStore(mockDB)

		mockDB.EXPECT().Exec(
			gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
			gomock.Any(), gomock.Any(), gomock.Any(),
		).Return(pgconn.CommandTag("UPDATE 0"), nil)

		claimed, err := store.ClaimDelivery(ctx, 7, "shipper-2")
		assert.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("database error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		store := postgresql.NewFulfillmentStore(mockDB)

		expectedErr := errors.New("connection reset")
		mockDB.EXPECT().Exec(
			gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
			gomock.Any(), gomock.Any(), gomock.Any(),
		).Return(nil, expectedErr)

		_, err := store.ClaimDelivery(ctx, 7, "shipper-1")
		assert.ErrorIs(t, err, expectedErr)
	})
}

func TestFulfillmentStore_UpdateDeliveryStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("state matched", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		store := postgresql.NewFulfillmentStore(mockDB)

		mockDB.EXPECT().Exec(
			gomock.Any(),
			gomock.Any(),
			gomock.Eq(repository.DeliveryStatusPickedUp),
			gomock.Any(),
			gomock.Eq(int64(3)),
			gomock.Eq(repository.DeliveryStatusAssigned),
		).Return(pgconn.CommandTag("UPDATE 1"), nil)

		changed, err := store.UpdateDeliveryStatus(ctx, 3,
			repository.DeliveryStatusAssigned, repository.DeliveryStatusPickedUp)
		assert.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("state moved concurrently", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDB := mock_database.NewMockDB(ctrl)
		store := postgresql.NewFulfillmentStore(mockDB)

		mockDB.EXPECT().Exec(
			gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(),
		).Return(pgconn.CommandTag("UPDATE 0"), nil)

		changed, err := store.UpdateDeliveryStatus(ctx, 3,
			repository.DeliveryStatusAssigned, repository.DeliveryStatusPickedUp)
		assert.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestFulfillmentStore_UpdateBookingStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDB := mock_database.NewMockDB(ctrl)
	store := postgresql.NewFulfillmentStore(mockDB)

	mockDB.EXPECT().Exec(
		gomock.Any(),
		gomock.Any(),
		gomock.Eq(repository.BookingStatusAccepted),
		gomock.Any(),
		gomock.Eq(int64(5)),
		gomock.Eq(repository.BookingStatusPending),
	).Return(pgconn.CommandTag("UPDATE 1"), nil)

	changed, err := store.UpdateBookingStatus(context.Background(), 5,
		repository.BookingStatusPending, repository.BookingStatusAccepted)
	assert.NoError(t, err)
	assert.True(t, changed)
}
