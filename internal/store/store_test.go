package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

// StoreSuite is the behaviour every Store implementation must share.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore()
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func uniqueKey() string {
	return "REG-" + uuid.NewString()[:8]
}

func (s *StoreSuite) TestFindMissingIsNotFound() {
	_, err := s.store.FindByKey(context.Background(), uniqueKey())
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestInsertThenFind() {
	ctx := context.Background()
	key := uniqueKey()
	s.Require().NoError(s.store.Insert(ctx, Record{
		RegistrationNumber: key,
		FirstName:          "Jane",
		LastName:           "Doe",
		MarkedAt:           time.Now(),
	}))

	rec, err := s.store.FindByKey(ctx, key)
	s.Require().NoError(err)
	s.Equal(key, rec.RegistrationNumber)
	s.Equal("Jane", rec.FirstName)
	s.Equal("Doe", rec.LastName)
}

func (s *StoreSuite) TestEmptyLastName() {
	ctx := context.Background()
	key := uniqueKey()
	s.Require().NoError(s.store.Insert(ctx, Record{RegistrationNumber: key, FirstName: "Cher"}))

	rec, err := s.store.FindByKey(ctx, key)
	s.Require().NoError(err)
	s.Equal("Cher", rec.FirstName)
	s.Empty(rec.LastName)
}

func (s *StoreSuite) TestDuplicateInsertConflicts() {
	ctx := context.Background()
	key := uniqueKey()
	s.Require().NoError(s.store.Insert(ctx, Record{RegistrationNumber: key, FirstName: "A", LastName: "B"}))

	err := s.store.Insert(ctx, Record{RegistrationNumber: key, FirstName: "C", LastName: "D"})
	s.ErrorIs(err, ErrConflict)

	rec, err := s.store.FindByKey(ctx, key)
	s.Require().NoError(err)
	s.Equal("A", rec.FirstName, "the first record is never overwritten")
}

// TestConcurrentInsertSingleWinner races inserts of one key; exactly one
// must succeed and the rest must report a conflict.
func (s *StoreSuite) TestConcurrentInsertSingleWinner() {
	ctx := context.Background()
	key := uniqueKey()
	const goroutines = 20

	var wg sync.WaitGroup
	var ok, conflicts atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Insert(ctx, Record{RegistrationNumber: key, FirstName: "Race", LastName: "Runner"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), ok.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
}
