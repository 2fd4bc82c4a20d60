package replica

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/garden-profile-go/internal/json"
)

type HubSuite struct {
	suite.Suite

	hub *Hub
}

func TestHub(t *testing.T) {
	suite.Run(t, new(HubSuite))
}

func (s *HubSuite) SetupTest() {
	s.hub = NewHub(16)
}

func (s *HubSuite) TearDownTest() {
	s.hub.Close()
}

func (s *HubSuite) decode(payload []byte) Delta {
	var d Delta
	s.Require().NoError(json.Unmarshal(payload, &d))
	return d
}

func (s *HubSuite) TestSetFieldBroadcast() {
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	view := s.hub.NewView("alice")
	view.SetField("coins", int64(30))

	d := s.decode(<-ch)
	s.Equal("alice", d.Identity)
	s.Equal("coins", d.Path)
	s.EqualValues(30, d.Value)
}

func (s *HubSuite) TestSetFieldIdempotent() {
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	view := s.hub.NewView("alice")
	view.SetField("level", int64(3))
	view.SetField("level", int64(3))
	view.SetField("level", int64(4))

	first := s.decode(<-ch)
	s.EqualValues(3, first.Value)
	second := s.decode(<-ch)
	s.EqualValues(4, second.Value)

	select {
	case payload := <-ch:
		s.Failf("unexpected delta", "%s", payload)
	default:
	}
}

func (s *HubSuite) TestSnapshot() {
	view := s.hub.NewView("alice")
	view.SetField("level", int64(1))
	view.SetField("experience", int64(0))
	view.SetField("coins", int64(50))

	snapshot := view.Snapshot()
	s.Len(snapshot, 3)
	s.EqualValues(1, snapshot["level"])
	s.EqualValues(50, snapshot["coins"])

	// 快照是拷贝，修改不影响视图。
	snapshot["coins"] = int64(0)
	s.EqualValues(50, view.Snapshot()["coins"])
}

func (s *HubSuite) TestClear() {
	view := s.hub.NewView("alice")
	view.SetField("coins", int64(50))
	view.Clear()

	s.Empty(view.Snapshot())
	_, ok := s.hub.GetView("alice")
	s.False(ok)

	// 同一身份再次创建得到空视图。
	again := s.hub.NewView("alice")
	s.Empty(again.Snapshot())
}

func (s *HubSuite) TestViewReuse() {
	first := s.hub.NewView("alice")
	second := s.hub.NewView("alice")
	s.Same(first, second)
}

func (s *HubSuite) TestSlowSubscriberDoesNotBlock() {
	hub := NewHub(1)
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()

	view := hub.NewView("alice")
	// 缓冲为 1，后续增量被丢弃而不是阻塞变更路径。
	for i := 0; i < 10; i++ {
		view.SetField("experience", int64(i))
	}

	d := s.decode(<-ch)
	s.EqualValues(0, d.Value)
	select {
	case payload, ok := <-ch:
		if ok {
			// 最多还缓存了一条。
			s.decode(payload)
		}
	default:
	}
}

func (s *HubSuite) TestUnsubscribe() {
	ch, cancel := s.hub.Subscribe()
	s.Equal(1, s.hub.SubscriberCount())

	cancel()
	cancel()
	s.Equal(0, s.hub.SubscriberCount())

	_, ok := <-ch
	s.False(ok)

	view := s.hub.NewView("alice")
	view.SetField("coins", int64(1))
}
