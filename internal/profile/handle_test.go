package profile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/garden-profile-go/internal/replica"
	"github.com/lk2023060901/garden-profile-go/pkg/util/merr"
)

type HandleSuite struct {
	suite.Suite

	hub    *replica.Hub
	handle *Handle
}

func TestHandle(t *testing.T) {
	suite.Run(t, new(HandleSuite))
}

func (s *HandleSuite) SetupTest() {
	s.hub = replica.NewHub(64)
	record := NewRecord()
	s.handle = newHandle("alice", record, s.hub.NewView("alice"), nil)
	s.handle.seedView()
}

func (s *HandleSuite) TearDownTest() {
	s.hub.Close()
}

// assertViewConsistent 校验视图与权威记录的字段一致。
func (s *HandleSuite) assertViewConsistent() {
	snapshot := s.handle.View().Snapshot()
	s.EqualValues(s.handle.Level(), snapshot["level"])
	s.EqualValues(s.handle.Experience(), snapshot["experience"])
	s.EqualValues(s.handle.Coins(), snapshot["coins"])
}

func (s *HandleSuite) TestCoins() {
	s.NoError(s.handle.AddCoins(50))
	s.NoError(s.handle.RemoveCoins(20))
	s.EqualValues(30, s.handle.Coins())
	s.assertViewConsistent()
}

func (s *HandleSuite) TestRemoveCoinsInsufficient() {
	s.NoError(s.handle.AddCoins(30))

	err := s.handle.RemoveCoins(50)
	s.ErrorIs(err, merr.ErrCoinInsufficient)

	// 拒绝的扣减不改变任何状态。
	s.EqualValues(30, s.handle.Coins())
	s.assertViewConsistent()
}

func (s *HandleSuite) TestNegativeAmountsRejected() {
	s.ErrorIs(s.handle.AddCoins(-1), merr.ErrParameterInvalid)
	s.ErrorIs(s.handle.RemoveCoins(-1), merr.ErrParameterInvalid)
	s.ErrorIs(s.handle.UpdateExperience(-1), merr.ErrParameterInvalid)
	s.EqualValues(0, s.handle.Coins())
	s.EqualValues(0, s.handle.Experience())
}

func (s *HandleSuite) TestUpdateExperience() {
	s.NoError(s.handle.UpdateExperience(100))
	s.EqualValues(1, s.handle.Level())
	s.EqualValues(100, s.handle.Experience())

	// 跨过 1 级阈值 128。
	s.NoError(s.handle.UpdateExperience(28))
	s.EqualValues(2, s.handle.Level())
	s.EqualValues(0, s.handle.Experience())
	s.assertViewConsistent()
}

func (s *HandleSuite) TestUpdateExperienceMultiLevel() {
	delta := RequiredExperience(1) + RequiredExperience(2) + RequiredExperience(3) + 7
	s.NoError(s.handle.UpdateExperience(delta))
	s.EqualValues(4, s.handle.Level())
	s.EqualValues(7, s.handle.Experience())
	s.assertViewConsistent()
}

func (s *HandleSuite) TestMutationAfterRelease() {
	s.NoError(s.handle.AddCoins(10))
	s.handle.markReleased()

	s.ErrorIs(s.handle.AddCoins(1), merr.ErrProfileReleased)
	s.ErrorIs(s.handle.RemoveCoins(1), merr.ErrProfileReleased)
	s.ErrorIs(s.handle.UpdateExperience(1), merr.ErrProfileReleased)
	s.EqualValues(10, s.handle.Coins())
}

func (s *HandleSuite) TestConcurrentMutations() {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.NoError(s.handle.AddCoins(1))
				s.NoError(s.handle.UpdateExperience(3))
			}
		}()
	}
	wg.Wait()

	s.EqualValues(800, s.handle.Coins())

	// 经验按序全部落账：总投放量折算出的等级与余量一致。
	level, experience := ApplyExperience(1, 0, 8*100*3)
	s.Equal(level, s.handle.Level())
	s.Equal(experience, s.handle.Experience())
	s.assertViewConsistent()
}

func (s *HandleSuite) TestSnapshotIsCopy() {
	s.NoError(s.handle.AddCoins(5))
	snapshot := s.handle.Snapshot()
	snapshot.Coins = 999
	s.EqualValues(5, s.handle.Coins())
}
